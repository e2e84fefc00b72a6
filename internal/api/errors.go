package api

import (
	"context"
	"errors"

	"github.com/matheus3301/voipsms/internal/delivery"
	"github.com/matheus3301/voipsms/internal/remote"
	"github.com/matheus3301/voipsms/internal/store"
	intsync "github.com/matheus3301/voipsms/internal/sync"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps engine errors to gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	return grpcstatus.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	var (
		constraintErr *store.ConstraintError
		validationErr *store.ValidationError
		authErr       *remote.AuthError
		rejectedErr   *remote.RejectedError
		networkErr    *remote.NetworkError
	)
	switch {
	case errors.As(err, &constraintErr):
		return codes.Internal
	case errors.As(err, &validationErr):
		return codes.InvalidArgument
	case errors.As(err, &authErr):
		return codes.Unauthenticated
	case errors.As(err, &rejectedErr):
		return codes.FailedPrecondition
	case errors.As(err, &networkErr):
		return codes.Unavailable
	case errors.Is(err, intsync.ErrSyncInProgress):
		return codes.Aborted
	case errors.Is(err, store.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, delivery.ErrNotResubmittable),
		errors.Is(err, store.ErrStateConflict),
		errors.Is(err, intsync.ErrNoLines):
		return codes.FailedPrecondition
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}
