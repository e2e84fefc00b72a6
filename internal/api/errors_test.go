package api

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/matheus3301/voipsms/internal/delivery"
	"github.com/matheus3301/voipsms/internal/remote"
	"github.com/matheus3301/voipsms/internal/store"
	intsync "github.com/matheus3301/voipsms/internal/sync"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"validation", &store.ValidationError{Field: "contact", Value: "x"}, codes.InvalidArgument},
		{"constraint", &store.ConstraintError{Op: "insert message", Err: &store.ValidationError{Field: "line"}}, codes.Internal},
		{"auth", fmt.Errorf("fetch: %w", &remote.AuthError{Op: "getSMS", Reason: "invalid_credentials"}), codes.Unauthenticated},
		{"rejected", &remote.RejectedError{Op: "sendSMS", Reason: "invalid_dst"}, codes.FailedPrecondition},
		{"network", &remote.NetworkError{Op: "getSMS", Err: errors.New("reset")}, codes.Unavailable},
		{"in progress", intsync.ErrSyncInProgress, codes.Aborted},
		{"not found", fmt.Errorf("resubmit 3: %w", store.ErrNotFound), codes.NotFound},
		{"not resubmittable", delivery.ErrNotResubmittable, codes.FailedPrecondition},
		{"no lines", intsync.ErrNoLines, codes.FailedPrecondition},
		{"canceled", context.Canceled, codes.Canceled},
		{"other", errors.New("disk on fire"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, codeOf(tt.err))
			assert.Equal(t, tt.want, grpcstatus.Code(toStatus(tt.err)))
		})
	}
	assert.NoError(t, toStatus(nil))
}
