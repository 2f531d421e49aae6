package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-procurement-approvals/internal/errors"
	"github.com/pesio-ai/be-procurement-approvals/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "procurement.approvals.v1.ApprovalService"

// userIDMetadataKey carries the authenticated caller in gRPC metadata.
const userIDMetadataKey = "x-user-id"

// approvalServiceServer is the server API for the approval service. Messages
// are google.protobuf.Struct documents with the same fields as the JSON API.
type approvalServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Approve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reject(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delegate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Escalate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Recall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckExpiry(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the approval service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*approvalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler("Submit", approvalServiceServer.Submit)},
		{MethodName: "Get", Handler: unaryHandler("Get", approvalServiceServer.Get)},
		{MethodName: "Approve", Handler: unaryHandler("Approve", approvalServiceServer.Approve)},
		{MethodName: "Reject", Handler: unaryHandler("Reject", approvalServiceServer.Reject)},
		{MethodName: "Delegate", Handler: unaryHandler("Delegate", approvalServiceServer.Delegate)},
		{MethodName: "Escalate", Handler: unaryHandler("Escalate", approvalServiceServer.Escalate)},
		{MethodName: "Recall", Handler: unaryHandler("Recall", approvalServiceServer.Recall)},
		{MethodName: "CheckExpiry", Handler: unaryHandler("CheckExpiry", approvalServiceServer.CheckExpiry)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "procurement/approvals/v1/approvals.proto",
}

type unaryMethod func(approvalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(approvalServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ServiceName + "/" + name,
		}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(approvalServiceServer), ctx, req.(*structpb.Struct))
		})
	}
}

// GRPCHandler implements the ApprovalService gRPC interface
type GRPCHandler struct {
	service *service.ApprovalService
	logger  zerolog.Logger
}

var _ approvalServiceServer = (*GRPCHandler)(nil)

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(svc *service.ApprovalService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		service: svc,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

// Register adds the handler to a gRPC server.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&ServiceDesc, h)
}

// userID extracts the calling user from metadata, or returns empty string.
func userID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(userIDMetadataKey); len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// Submit creates a new approval request
func (h *GRPCHandler) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req service.SubmitRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	created, err := h.service.Submit(ctx, req, userID(ctx))
	return h.reply("Submit", created, err)
}

// Get retrieves an approval request by ID
func (h *GRPCHandler) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body reasonBody
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	req, err := h.service.Get(ctx, body.ID)
	return h.reply("Get", req, err)
}

// Approve approves the current level
func (h *GRPCHandler) Approve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body approveBody
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	req, err := h.service.Approve(ctx, body.ID, userID(ctx), body.ApproveOptions)
	return h.reply("Approve", req, err)
}

// Reject rejects the request at the current level
func (h *GRPCHandler) Reject(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body rejectBody
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	req, err := h.service.Reject(ctx, body.ID, userID(ctx), body.RejectOptions)
	return h.reply("Reject", req, err)
}

// Delegate hands the current level to another approver
func (h *GRPCHandler) Delegate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body delegateBody
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	req, err := h.service.Delegate(ctx, body.ID, userID(ctx), body.DelegateTo, service.DelegateOptions{
		Reason:    body.Reason,
		ExpiresAt: body.ExpiresAt,
	})
	return h.reply("Delegate", req, err)
}

// Escalate redirects the current level to a higher authority
func (h *GRPCHandler) Escalate(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body reasonBody
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	req, err := h.service.Escalate(ctx, body.ID, body.Reason, userID(ctx))
	return h.reply("Escalate", req, err)
}

// Recall withdraws a pending request
func (h *GRPCHandler) Recall(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body reasonBody
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	req, err := h.service.Recall(ctx, body.ID, userID(ctx), body.Reason)
	return h.reply("Recall", req, err)
}

// CheckExpiry expires the request if its deadline has passed
func (h *GRPCHandler) CheckExpiry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var body reasonBody
	if err := fromStruct(in, &body); err != nil {
		return nil, err
	}
	req, err := h.service.CheckExpiry(ctx, body.ID)
	return h.reply("CheckExpiry", req, err)
}

func (h *GRPCHandler) reply(method string, v any, err error) (*structpb.Struct, error) {
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeInternal {
			h.logger.Error().Err(err).Str("method", method).Msg("gRPC call failed")
		}
		return nil, mapErrorToGRPC(err)
	}
	out, err := toStruct(v)
	if err != nil {
		h.logger.Error().Err(err).Str("method", method).Msg("Failed to encode response")
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// ── conversion helpers ───────────────────────────────────────────────────────

func fromStruct(in *structpb.Struct, v any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request: "+err.Error())
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request: "+err.Error())
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

var grpcCodes = map[errors.Code]codes.Code{
	errors.ErrCodeInvalidRequest:   codes.InvalidArgument,
	errors.ErrCodeNotFound:         codes.NotFound,
	errors.ErrCodeNotPending:       codes.FailedPrecondition,
	errors.ErrCodeExpired:          codes.FailedPrecondition,
	errors.ErrCodeUnauthorized:     codes.PermissionDenied,
	errors.ErrCodeForbidden:        codes.PermissionDenied,
	errors.ErrCodeNoEscalationPath: codes.FailedPrecondition,
	errors.ErrCodeConflict:         codes.Aborted,
	errors.ErrCodeOutcomeUnknown:   codes.Unavailable,
	errors.ErrCodeInternal:         codes.Internal,
}

// mapErrorToGRPC maps application errors to gRPC status errors. The message
// keeps the application code as its prefix.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	code := errors.CodeOf(err)
	grpcCode, ok := grpcCodes[code]
	if !ok {
		grpcCode = codes.Internal
	}
	msg := errors.Message(err)
	if code == errors.ErrCodeInternal {
		msg = "internal error"
	}
	return status.Error(grpcCode, string(code)+": "+msg)
}

// ── interceptors ─────────────────────────────────────────────────────────────

// UnaryLogging logs every unary call with its duration and status code.
func UnaryLogging(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		log.Info().
			Str("method", info.FullMethod).
			Str("user_id", userID(ctx)).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}

// UnaryRecovery turns handler panics into Internal errors.
func UnaryRecovery(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("method", info.FullMethod).Msg("Recovered from panic")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return next(ctx, req)
	}
}
