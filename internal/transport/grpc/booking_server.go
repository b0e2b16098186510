package grpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"clinicq/backend/internal/auth"
	"clinicq/backend/internal/domain"
	"clinicq/backend/internal/service/appointments"
)

type BookingServer struct {
	svc bookingService
	log *slog.Logger
}

type bookingService interface {
	Book(ctx context.Context, in appointments.BookInput) (domain.Appointment, error)
	Get(ctx context.Context, actor appointments.Actor, id uuid.UUID) (domain.Appointment, error)
	AvailableSlots(ctx context.Context, doctorID, branchID string, date time.Time) ([]domain.SlotDescriptor, error)
	CheckEligibility(ctx context.Context, actor appointments.Actor, id uuid.UUID) (domain.Eligibility, error)
	Reschedule(ctx context.Context, actor appointments.Actor, in appointments.RescheduleInput) (domain.Appointment, error)
	Cancel(ctx context.Context, actor appointments.Actor, in appointments.CancelInput) (domain.Appointment, error)
	QueueStatus(ctx context.Context, actor appointments.Actor, id uuid.UUID) (domain.QueueStatus, error)
}

func NewBookingServer(svc bookingService, log *slog.Logger) *BookingServer {
	if log == nil {
		log = slog.Default()
	}
	return &BookingServer{
		svc: svc,
		log: log.With(slog.String("component", "grpc.booking")),
	}
}

// AuthInterceptor authenticates every call from its metadata and stores the
// identity on the context.
func AuthInterceptor(authn *auth.Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id, err := authn.Authenticate(auth.Credentials{
			Authorization: firstMetadata(ctx, "authorization"),
			PatientID:     firstMetadata(ctx, "x-patient-id"),
			Role:          firstMetadata(ctx, "x-role"),
		})
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(auth.WithIdentity(ctx, id), req)
	}
}

func firstMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(key)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func idempotencyKey(ctx context.Context) string {
	if key := firstMetadata(ctx, "idempotency-key"); key != "" {
		return key
	}
	return firstMetadata(ctx, "x-idempotency-key")
}

func actorFrom(ctx context.Context) (appointments.Actor, error) {
	id, ok := auth.FromContext(ctx)
	if !ok {
		return appointments.Actor{}, status.Error(codes.Unauthenticated, "missing credentials")
	}
	return appointments.Actor{PatientID: id.Subject, Admin: id.Admin()}, nil
}

func parseAppointmentID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, status.Error(codes.InvalidArgument, "appointment_id must be a UUID")
	}
	return id, nil
}

func parseDate(field, raw string) (time.Time, error) {
	d, err := domain.ParseDate(strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, status.Error(codes.InvalidArgument, field+" must be YYYY-MM-DD")
	}
	return d, nil
}

func (s *BookingServer) Book(ctx context.Context, req *BookRequest) (*BookResponse, error) {
	log := s.log.With(slog.String("rpc", "Book"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_date"), slog.String("doctor_id", req.DoctorId))
		return nil, err
	}

	patientID := actor.PatientID
	if actor.Admin && strings.TrimSpace(req.PatientId) != "" {
		patientID = req.PatientId
	}

	appt, err := s.svc.Book(ctx, appointments.BookInput{
		DoctorID:       req.DoctorId,
		BranchID:       req.BranchId,
		PatientID:      patientID,
		Date:           date,
		IdempotencyKey: idempotencyKey(ctx),
	})
	if err != nil {
		return nil, s.statusError(log, err, slog.String("doctor_id", req.DoctorId), slog.String("date", req.Date))
	}

	log.Info(
		"appointment booked",
		slog.String("appointment_id", appt.ID.String()),
		slog.String("doctor_id", appt.DoctorID),
		slog.Int("slot_number", appt.SlotNumber),
	)
	return &BookResponse{Appointment: toProtoAppointment(appt)}, nil
}

func (s *BookingServer) GetAppointment(ctx context.Context, req *GetAppointmentRequest) (*GetAppointmentResponse, error) {
	log := s.log.With(slog.String("rpc", "GetAppointment"))

	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseAppointmentID(req.AppointmentId)
	if err != nil {
		return nil, err
	}

	appt, err := s.svc.Get(ctx, actor, id)
	if err != nil {
		return nil, s.statusError(log, err, slog.String("appointment_id", id.String()))
	}
	return &GetAppointmentResponse{Appointment: toProtoAppointment(appt)}, nil
}

func (s *BookingServer) ListSlots(ctx context.Context, req *ListSlotsRequest) (*ListSlotsResponse, error) {
	log := s.log.With(slog.String("rpc", "ListSlots"))

	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if _, err := actorFrom(ctx); err != nil {
		return nil, err
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		return nil, err
	}

	slots, err := s.svc.AvailableSlots(ctx, req.DoctorId, req.BranchId, date)
	if err != nil {
		return nil, s.statusError(log, err, slog.String("doctor_id", req.DoctorId), slog.String("date", req.Date))
	}

	out := make([]*Slot, 0, len(slots))
	for _, sl := range slots {
		out = append(out, &Slot{
			Number:         int32(sl.Number),
			EstimatedStart: timestamppb.New(sl.EstimatedStart),
			EstimatedEnd:   timestamppb.New(sl.EstimatedEnd),
			IsBooked:       sl.IsBooked,
			IsAvailable:    sl.IsAvailable,
		})
	}

	log.Debug("slots listed", slog.String("doctor_id", req.DoctorId), slog.Int("count", len(out)))
	return &ListSlotsResponse{Slots: out}, nil
}

func (s *BookingServer) CheckEligibility(ctx context.Context, req *CheckEligibilityRequest) (*CheckEligibilityResponse, error) {
	log := s.log.With(slog.String("rpc", "CheckEligibility"))

	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseAppointmentID(req.AppointmentId)
	if err != nil {
		return nil, err
	}

	e, err := s.svc.CheckEligibility(ctx, actor, id)
	if err != nil {
		return nil, s.statusError(log, err, slog.String("appointment_id", id.String()))
	}
	return &CheckEligibilityResponse{
		Allowed:           e.Allowed,
		Reason:            e.Reason,
		RemainingAttempts: int32(e.RemainingAttempts),
		MaxAttempts:       int32(e.MaxAttempts),
	}, nil
}

func (s *BookingServer) Reschedule(ctx context.Context, req *RescheduleRequest) (*RescheduleResponse, error) {
	log := s.log.With(slog.String("rpc", "Reschedule"))

	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseAppointmentID(req.AppointmentId)
	if err != nil {
		return nil, err
	}
	date, err := parseDate("new_date", req.NewDate)
	if err != nil {
		return nil, err
	}

	appt, err := s.svc.Reschedule(ctx, actor, appointments.RescheduleInput{
		AppointmentID: id,
		NewDate:       date,
		NewBranchID:   req.NewBranchId,
		NewSlotNumber: int(req.NewSlotNumber),
		Reason:        req.Reason,
		Confirmed:     req.Confirmed,
	})
	if err != nil {
		return nil, s.statusError(log, err, slog.String("appointment_id", id.String()))
	}

	log.Info(
		"appointment rescheduled",
		slog.String("appointment_id", appt.ID.String()),
		slog.String("rescheduled_from_id", id.String()),
	)
	return &RescheduleResponse{Appointment: toProtoAppointment(appt)}, nil
}

func (s *BookingServer) Cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error) {
	log := s.log.With(slog.String("rpc", "Cancel"))

	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseAppointmentID(req.AppointmentId)
	if err != nil {
		return nil, err
	}

	appt, err := s.svc.Cancel(ctx, actor, appointments.CancelInput{
		AppointmentID: id,
		Reason:        req.Reason,
		Confirmed:     req.Confirmed,
	})
	if err != nil {
		return nil, s.statusError(log, err, slog.String("appointment_id", id.String()))
	}

	log.Info("appointment cancelled", slog.String("appointment_id", id.String()))
	return &CancelResponse{Appointment: toProtoAppointment(appt)}, nil
}

func (s *BookingServer) QueueStatus(ctx context.Context, req *QueueStatusRequest) (*QueueStatusResponse, error) {
	log := s.log.With(slog.String("rpc", "QueueStatus"))

	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	id, err := parseAppointmentID(req.AppointmentId)
	if err != nil {
		return nil, err
	}

	q, err := s.svc.QueueStatus(ctx, actor, id)
	if err != nil {
		return nil, s.statusError(log, err, slog.String("appointment_id", id.String()))
	}
	return &QueueStatusResponse{
		Token:                int32(q.Token),
		CurrentServing:       int32(q.CurrentServing),
		PatientsAhead:        int32(q.PatientsAhead),
		EstimatedWaitMinutes: int32(q.EstimatedWaitMinutes),
	}, nil
}

// statusError maps service errors onto gRPC codes. Unknown errors are logged
// and hidden behind codes.Internal.
func (s *BookingServer) statusError(log *slog.Logger, err error, attrs ...any) error {
	var (
		vErr  *appointments.ValidationError
		suErr *appointments.SlotUnavailableError
		elErr *appointments.EligibilityError
		cErr  *appointments.ConflictError
		nfErr *appointments.NotFoundError
	)
	args := append([]any{slog.Any("err", err)}, attrs...)

	switch {
	case errors.As(err, &vErr):
		log.Warn("invalid request", args...)
		return status.Error(codes.InvalidArgument, vErr.Error())
	case errors.As(err, &suErr):
		log.Info("slot unavailable", args...)
		return status.Error(codes.ResourceExhausted, suErr.Error())
	case errors.As(err, &elErr):
		log.Info("reschedule not allowed", args...)
		return status.Error(codes.FailedPrecondition, elErr.Error())
	case errors.As(err, &cErr):
		log.Info("conflict", args...)
		return status.Error(codes.Aborted, cErr.Error())
	case errors.As(err, &nfErr):
		log.Info("not found", args...)
		return status.Error(codes.NotFound, nfErr.Error())
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn("request timed out", args...)
		return status.Error(codes.DeadlineExceeded, "request timed out")
	}
	log.Error("request failed", args...)
	return status.Error(codes.Internal, "internal error")
}

func toProtoAppointment(a domain.Appointment) *Appointment {
	out := &Appointment{
		Id:                 a.ID.String(),
		PatientId:          a.PatientID,
		DoctorId:           a.DoctorID,
		BranchId:           a.BranchID,
		Date:               a.Date.Format(domain.DateLayout),
		SlotNumber:         int32(a.SlotNumber),
		ScheduledStart:     timestamppb.New(a.ScheduledStart),
		ScheduledEnd:       timestamppb.New(a.ScheduledEnd),
		Status:             string(a.Status),
		RescheduleCount:    int32(a.RescheduleCount),
		CancellationSource: string(a.CancellationSource),
		Version:            int32(a.Version),
	}
	if a.HoldExpiresAt != nil {
		out.HoldExpiresAt = timestamppb.New(*a.HoldExpiresAt)
	}
	if a.RescheduledFromID != nil {
		out.RescheduledFromId = a.RescheduledFromID.String()
	}
	if a.RescheduledToID != nil {
		out.RescheduledToId = a.RescheduledToID.String()
	}
	return out
}
