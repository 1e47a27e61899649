// ABOUTME: Maps context errors to gRPC status codes for protocol handlers
// ABOUTME: Conflict statuses carry ErrorInfo details so callers can retry from a fresh version

// Package rpcstatus converts errors from the context core into gRPC statuses.
package rpcstatus

import (
	"context"
	"errors"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-context/internal/state"
)

// Domain is the ErrorInfo domain of every status produced here.
const Domain = "coven.context"

// Reasons set on ErrorInfo.
const (
	ReasonNotFound         = "CONTEXT_NOT_FOUND"
	ReasonAlreadyExists    = "CONTEXT_ALREADY_EXISTS"
	ReasonInvalidState     = "INVALID_STATE"
	ReasonUnresolvable     = "CONFLICT_UNRESOLVABLE"
	ReasonStrategyFailed   = "CONFLICT_STRATEGY_FAILED"
	ReasonSnapshotNotFound = "SNAPSHOT_NOT_FOUND"
	ReasonNoValidSnapshot  = "NO_VALID_SNAPSHOT"
	ReasonSwapFailed       = "STATE_SWAP_FAILED"
	ReasonPersistence      = "PERSISTENCE_FAILED"
	ReasonSync             = "SYNC_FAILED"
)

// FromError returns err as a gRPC status error. nil stays nil and errors
// that already carry a status are returned unchanged.
func FromError(err error) error {
	if err == nil {
		return nil
	}
	return Status(err).Err()
}

// Status classifies err.
func Status(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	if st, ok := status.FromError(err); ok {
		return st
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	}

	code, reason := classify(err)
	info := &errdetails.ErrorInfo{Reason: reason, Domain: Domain, Metadata: metadata(err)}
	st, detailErr := status.New(code, err.Error()).WithDetails(info)
	if detailErr != nil {
		return status.New(code, err.Error())
	}
	return st
}

func classify(err error) (codes.Code, string) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		return codes.NotFound, ReasonNotFound
	case errors.Is(err, state.ErrAlreadyExists):
		return codes.AlreadyExists, ReasonAlreadyExists
	case errors.Is(err, state.ErrUnresolvable):
		return codes.Aborted, ReasonUnresolvable
	case errors.Is(err, state.ErrStrategyFailed):
		return codes.Aborted, ReasonStrategyFailed
	case errors.Is(err, state.ErrSnapshotNotFound):
		return codes.FailedPrecondition, ReasonSnapshotNotFound
	case errors.Is(err, state.ErrNoValidSnapshot):
		return codes.FailedPrecondition, ReasonNoValidSnapshot
	case errors.Is(err, state.ErrSwapFailed):
		return codes.FailedPrecondition, ReasonSwapFailed
	case errors.Is(err, state.ErrInvalidState):
		return codes.InvalidArgument, ReasonInvalidState
	case errors.Is(err, state.ErrPersistence):
		return codes.Unavailable, ReasonPersistence
	case errors.Is(err, state.ErrSync):
		return codes.Internal, ReasonSync
	default:
		return codes.Internal, ""
	}
}

// metadata extracts the identifiers a caller needs to act on err.
func metadata(err error) map[string]string {
	md := make(map[string]string)

	var cerr *state.ConflictError
	if errors.As(err, &cerr) && cerr.Conflict != nil {
		c := cerr.Conflict
		md["conflict_id"] = c.ID
		md["conflict_type"] = c.TypeName()
		md["context_id"] = c.ContextID
		md["base_version"] = strconv.FormatUint(c.BaseVersion, 10)
		md["current_version"] = strconv.FormatUint(c.CurrentVersion, 10)
	}

	var rerr *state.RecoveryError
	if errors.As(err, &rerr) {
		md["context_id"] = rerr.ContextID
	}

	var perr *state.PersistenceError
	if errors.As(err, &perr) {
		md["context_id"] = perr.ContextID
		md["op"] = perr.Op
		if perr.SnapshotID != "" {
			md["snapshot_id"] = perr.SnapshotID
		}
	}

	var serr *state.SyncError
	if errors.As(err, &serr) {
		md["context_id"] = serr.ContextID
		md["subscriber"] = serr.Subscriber
		md["version"] = strconv.FormatUint(serr.Version, 10)
	}

	if len(md) == 0 {
		return nil
	}
	return md
}

// ErrorInfo returns the ErrorInfo detail attached to err, if any.
func ErrorInfo(err error) (*errdetails.ErrorInfo, bool) {
	st, ok := status.FromError(err)
	if !ok {
		return nil, false
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.GetDomain() == Domain {
			return info, true
		}
	}
	return nil, false
}
