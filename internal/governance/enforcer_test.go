package governance

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/memory-substrate/internal/config"
	"github.com/rcliao/memory-substrate/internal/model"
)

var (
	kernel  = Caller{ID: "k1", Class: ClassKernel, GroupID: "g1"}
	console = Caller{ID: "c1", Class: ClassConsole, GroupID: "g1", OwnerID: "u1"}
)

func TestDecisionTable(t *testing.T) {
	e := NewEnforcer()
	tests := []struct {
		name    string
		caller  Caller
		op      Op
		target  Target
		allowed bool
	}{
		{"kernel deletes console record", kernel, OpDelete, Target{"g1", model.CreatorConsole}, true},
		{"kernel updates system record", kernel, OpUpdate, Target{"g1", model.CreatorSystem}, true},
		{"console reads kernel record", console, OpRead, Target{"g1", model.CreatorKernel}, true},
		{"console creates", console, OpCreate, Target{GroupID: "g1"}, true},
		{"console updates own", console, OpUpdate, Target{"g1", model.CreatorConsole}, true},
		{"console deletes own", console, OpDelete, Target{"g1", model.CreatorConsole}, true},
		{"console updates kernel record", console, OpUpdate, Target{"g1", model.CreatorKernel}, false},
		{"console deletes kernel record", console, OpDelete, Target{"g1", model.CreatorKernel}, false},
		{"console deletes system record", console, OpDelete, Target{"g1", model.CreatorSystem}, false},
		{"kernel other group", kernel, OpRead, Target{"g2", model.CreatorKernel}, false},
		{"console other group", console, OpCreate, Target{GroupID: "g2"}, false},
		{"unknown class", Caller{ID: "x", Class: "root", GroupID: "g1"}, OpRead, Target{"g1", model.CreatorKernel}, false},
		{"anonymous", Caller{Class: ClassKernel, GroupID: "g1"}, OpRead, Target{"g1", model.CreatorKernel}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Authorize(tt.caller, tt.op, tt.target)
			assert.Equal(t, tt.allowed, d.Allowed, d.Reason)
			if !tt.allowed {
				assert.NotEmpty(t, d.Reason)
				assert.True(t, errors.Is(d.Err(tt.op), model.ErrAuthorizationDenied))
			} else {
				assert.NoError(t, d.Err(tt.op))
			}
		})
	}
}

func TestStampDiscardsCallerValues(t *testing.T) {
	rec := &model.Record{Creator: model.CreatorKernel, Source: "spoofed", GroupID: "g9"}
	Stamp(console, rec)

	assert.Equal(t, model.CreatorConsole, rec.Creator)
	assert.Equal(t, "console:c1", rec.Source)
	assert.Equal(t, "g1", rec.GroupID)
}

func TestVisible(t *testing.T) {
	other := Caller{ID: "c2", Class: ClassConsole, GroupID: "g1", OwnerID: "u2", ProjectID: "p1"}
	userRec := &model.Record{Scope: model.ScopeUser, OwnerID: "u1"}
	projRec := &model.Record{Scope: model.ScopeProject, OwnerID: "u1", ProjectID: "p1"}
	globalRec := &model.Record{Scope: model.ScopeGlobal, OwnerID: "u1"}

	assert.True(t, Visible(console, model.ScopeUser, userRec))
	assert.False(t, Visible(other, model.ScopeUser, userRec))
	assert.False(t, Visible(other, "", userRec))
	assert.True(t, Visible(other, model.ScopeProject, projRec))
	assert.False(t, Visible(console, model.ScopeProject, projRec))
	assert.True(t, Visible(other, model.ScopeGlobal, globalRec))
	assert.False(t, Visible(other, model.ScopeUser, globalRec))

	k := Caller{ID: "k2", Class: ClassKernel, GroupID: "g1", OwnerID: "u9"}
	assert.True(t, Visible(k, "", userRec), "kernel sees foreign user records without a scope filter")
	assert.True(t, Visible(k, "", projRec))
	assert.False(t, Visible(k, model.ScopeUser, userRec))
	assert.False(t, Visible(k, "", &model.Record{Scope: "secret", OwnerID: "u9"}))
}

func TestAuthenticator(t *testing.T) {
	a, err := NewAuthenticator([]config.CallerConfig{
		{Key: "secret-k", ID: "k1", Class: "kernel", Group: "g1"},
		{Key: "secret-c", ID: "c1", Class: "console", Group: "g1", OwnerID: "u1"},
	})
	require.NoError(t, err)

	c, err := a.Authenticate("secret-c")
	require.NoError(t, err)
	assert.Equal(t, ClassConsole, c.Class)
	assert.Equal(t, "u1", c.OwnerID)

	_, err = a.Authenticate("guess")
	assert.True(t, errors.Is(err, model.ErrAuthorizationDenied))

	_, err = NewAuthenticator([]config.CallerConfig{{Key: "k", ID: "x", Class: "root", Group: "g"}})
	assert.Error(t, err)
}
