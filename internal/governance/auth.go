package governance

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/rcliao/memory-substrate/internal/config"
	"github.com/rcliao/memory-substrate/internal/model"
)

// ErrUnknownKey is returned for an API key that maps to no caller.
var ErrUnknownKey = errors.New("unknown api key")

// Authenticator maps API keys to callers, so the caller class always
// comes from configuration.
type Authenticator struct {
	callers []keyed
}

type keyed struct {
	key    []byte
	caller Caller
}

// NewAuthenticator builds an authenticator from configured callers.
func NewAuthenticator(cfgs []config.CallerConfig) (*Authenticator, error) {
	a := &Authenticator{}
	seen := map[string]bool{}
	for _, c := range cfgs {
		if seen[c.Key] {
			return nil, fmt.Errorf("caller %s: duplicate key", c.ID)
		}
		seen[c.Key] = true
		class := Class(c.Class)
		if class != ClassKernel && class != ClassConsole {
			return nil, fmt.Errorf("caller %s: unknown class %q", c.ID, c.Class)
		}
		a.callers = append(a.callers, keyed{
			key: []byte(c.Key),
			caller: Caller{
				ID:        c.ID,
				Class:     class,
				GroupID:   c.Group,
				OwnerID:   c.OwnerID,
				ProjectID: c.ProjectID,
			},
		})
	}
	return a, nil
}

// Authenticate resolves key to its caller.
func (a *Authenticator) Authenticate(key string) (Caller, error) {
	k := []byte(key)
	for _, c := range a.callers {
		if subtle.ConstantTimeCompare(c.key, k) == 1 {
			return c.caller, nil
		}
	}
	return Caller{}, &model.DeniedError{Op: "authenticate", Reason: ErrUnknownKey.Error()}
}
