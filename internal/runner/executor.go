package runner

import (
	"context"
	"errors"

	"github.com/signalnine/toolsweep/internal/credential"
	"github.com/signalnine/toolsweep/internal/result"
)

// ErrExecutorCrashed marks a failure of the executor itself rather than
// of the model under test. The scheduler stops feeding the shard's
// remaining units to the executor when it sees it.
var ErrExecutorCrashed = errors.New("executor crashed")

// Executor runs one test instance against the model named in cfg. The
// credential to use is carried by ctx; see CredentialFromContext.
type Executor interface {
	Execute(ctx context.Context, cfg result.TestConfig, instance int) (result.ResultRecord, error)
}

type ExecutorFunc func(ctx context.Context, cfg result.TestConfig, instance int) (result.ResultRecord, error)

func (f ExecutorFunc) Execute(ctx context.Context, cfg result.TestConfig, instance int) (result.ResultRecord, error) {
	return f(ctx, cfg, instance)
}

// RecordSink receives every record a sweep produces. It must be safe for
// concurrent use.
type RecordSink interface {
	Merge(rec result.ResultRecord) error
}

type credentialKey struct{}

func WithCredential(ctx context.Context, c credential.Credential) context.Context {
	return context.WithValue(ctx, credentialKey{}, c)
}

func CredentialFromContext(ctx context.Context) (credential.Credential, bool) {
	c, ok := ctx.Value(credentialKey{}).(credential.Credential)
	return c, ok
}
