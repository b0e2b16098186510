package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const bookingServiceName = "clinicq.v1.BookingService"

type Appointment struct {
	Id                 string                 `json:"id"`
	PatientId          string                 `json:"patient_id"`
	DoctorId           string                 `json:"doctor_id"`
	BranchId           string                 `json:"branch_id"`
	Date               string                 `json:"date"`
	SlotNumber         int32                  `json:"slot_number"`
	ScheduledStart     *timestamppb.Timestamp `json:"scheduled_start"`
	ScheduledEnd       *timestamppb.Timestamp `json:"scheduled_end"`
	Status             string                 `json:"status"`
	RescheduleCount    int32                  `json:"reschedule_count"`
	CancellationSource string                 `json:"cancellation_source"`
	HoldExpiresAt      *timestamppb.Timestamp `json:"hold_expires_at,omitempty"`
	RescheduledFromId  string                 `json:"rescheduled_from_id,omitempty"`
	RescheduledToId    string                 `json:"rescheduled_to_id,omitempty"`
	Version            int32                  `json:"version"`
}

type Slot struct {
	Number         int32                  `json:"number"`
	EstimatedStart *timestamppb.Timestamp `json:"estimated_start"`
	EstimatedEnd   *timestamppb.Timestamp `json:"estimated_end"`
	IsBooked       bool                   `json:"is_booked"`
	IsAvailable    bool                   `json:"is_available"`
}

type BookRequest struct {
	// PatientId is honoured for admins only; patients book for themselves.
	PatientId string `json:"patient_id,omitempty"`
	DoctorId  string `json:"doctor_id"`
	BranchId  string `json:"branch_id"`
	Date      string `json:"date"`
}

type BookResponse struct {
	Appointment *Appointment `json:"appointment"`
}

type GetAppointmentRequest struct {
	AppointmentId string `json:"appointment_id"`
}

type GetAppointmentResponse struct {
	Appointment *Appointment `json:"appointment"`
}

type ListSlotsRequest struct {
	DoctorId string `json:"doctor_id"`
	BranchId string `json:"branch_id"`
	Date     string `json:"date"`
}

type ListSlotsResponse struct {
	Slots []*Slot `json:"slots"`
}

type CheckEligibilityRequest struct {
	AppointmentId string `json:"appointment_id"`
}

type CheckEligibilityResponse struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	RemainingAttempts int32  `json:"remaining_attempts"`
	MaxAttempts       int32  `json:"max_attempts"`
}

type RescheduleRequest struct {
	AppointmentId string `json:"appointment_id"`
	NewDate       string `json:"new_date"`
	NewBranchId   string `json:"new_branch_id,omitempty"`
	NewSlotNumber int32  `json:"new_slot_number,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Confirmed     bool   `json:"confirmed"`
}

type RescheduleResponse struct {
	Appointment *Appointment `json:"appointment"`
}

type CancelRequest struct {
	AppointmentId string `json:"appointment_id"`
	Reason        string `json:"reason"`
	Confirmed     bool   `json:"confirmed"`
}

type CancelResponse struct {
	Appointment *Appointment `json:"appointment"`
}

type QueueStatusRequest struct {
	AppointmentId string `json:"appointment_id"`
}

type QueueStatusResponse struct {
	Token                int32 `json:"token"`
	CurrentServing       int32 `json:"current_serving"`
	PatientsAhead        int32 `json:"patients_ahead"`
	EstimatedWaitMinutes int32 `json:"estimated_wait_minutes"`
}

type BookingServiceServer interface {
	Book(context.Context, *BookRequest) (*BookResponse, error)
	GetAppointment(context.Context, *GetAppointmentRequest) (*GetAppointmentResponse, error)
	ListSlots(context.Context, *ListSlotsRequest) (*ListSlotsResponse, error)
	CheckEligibility(context.Context, *CheckEligibilityRequest) (*CheckEligibilityResponse, error)
	Reschedule(context.Context, *RescheduleRequest) (*RescheduleResponse, error)
	Cancel(context.Context, *CancelRequest) (*CancelResponse, error)
	QueueStatus(context.Context, *QueueStatusRequest) (*QueueStatusResponse, error)
}

func RegisterBookingServiceServer(s grpc.ServiceRegistrar, srv BookingServiceServer) {
	s.RegisterService(&BookingService_ServiceDesc, srv)
}

var BookingService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: bookingServiceName,
	HandlerType: (*BookingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Book", Handler: unaryHandler("Book", BookingServiceServer.Book)},
		{MethodName: "GetAppointment", Handler: unaryHandler("GetAppointment", BookingServiceServer.GetAppointment)},
		{MethodName: "ListSlots", Handler: unaryHandler("ListSlots", BookingServiceServer.ListSlots)},
		{MethodName: "CheckEligibility", Handler: unaryHandler("CheckEligibility", BookingServiceServer.CheckEligibility)},
		{MethodName: "Reschedule", Handler: unaryHandler("Reschedule", BookingServiceServer.Reschedule)},
		{MethodName: "Cancel", Handler: unaryHandler("Cancel", BookingServiceServer.Cancel)},
		{MethodName: "QueueStatus", Handler: unaryHandler("QueueStatus", BookingServiceServer.QueueStatus)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "clinicq/v1/booking.proto",
}

func unaryHandler[Req any, Resp any](method string, call func(BookingServiceServer, context.Context, *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + bookingServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BookingServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BookingServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// BookingServiceClient calls BookingService with the JSON codec.
type BookingServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewBookingServiceClient(cc grpc.ClientConnInterface) *BookingServiceClient {
	return &BookingServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+bookingServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *BookingServiceClient) Book(ctx context.Context, in *BookRequest, opts ...grpc.CallOption) (*BookResponse, error) {
	return invoke[BookResponse](ctx, c.cc, "Book", in, opts)
}

func (c *BookingServiceClient) GetAppointment(ctx context.Context, in *GetAppointmentRequest, opts ...grpc.CallOption) (*GetAppointmentResponse, error) {
	return invoke[GetAppointmentResponse](ctx, c.cc, "GetAppointment", in, opts)
}

func (c *BookingServiceClient) ListSlots(ctx context.Context, in *ListSlotsRequest, opts ...grpc.CallOption) (*ListSlotsResponse, error) {
	return invoke[ListSlotsResponse](ctx, c.cc, "ListSlots", in, opts)
}

func (c *BookingServiceClient) CheckEligibility(ctx context.Context, in *CheckEligibilityRequest, opts ...grpc.CallOption) (*CheckEligibilityResponse, error) {
	return invoke[CheckEligibilityResponse](ctx, c.cc, "CheckEligibility", in, opts)
}

func (c *BookingServiceClient) Reschedule(ctx context.Context, in *RescheduleRequest, opts ...grpc.CallOption) (*RescheduleResponse, error) {
	return invoke[RescheduleResponse](ctx, c.cc, "Reschedule", in, opts)
}

func (c *BookingServiceClient) Cancel(ctx context.Context, in *CancelRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	return invoke[CancelResponse](ctx, c.cc, "Cancel", in, opts)
}

func (c *BookingServiceClient) QueueStatus(ctx context.Context, in *QueueStatusRequest, opts ...grpc.CallOption) (*QueueStatusResponse, error) {
	return invoke[QueueStatusResponse](ctx, c.cc, "QueueStatus", in, opts)
}
