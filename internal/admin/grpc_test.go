package admin

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vexor/ingress/internal/xdpmgr"
)

type fakeManager struct {
	attachErr   error
	detachErr   error
	registerErr error
	queueID     uint32
	stats       xdpmgr.Stats
}

func (f *fakeManager) Attach() error { return f.attachErr }
func (f *fakeManager) Detach() error { return f.detachErr }
func (f *fakeManager) Register(identity uuid.UUID, fd int) (uint32, error) {
	return f.queueID, f.registerErr
}
func (f *fakeManager) Stats() xdpmgr.Stats { return f.stats }

func TestAttachDetachServiceAttachSuccess(t *testing.T) {
	svc := NewAttachDetachService(&fakeManager{})
	resp, err := svc.Attach(context.Background(), &AttachRequest{})
	require.NoError(t, err)
	assert.True(t, resp.Attached)
	assert.Empty(t, resp.Error)
}

func TestAttachDetachServiceAttachFailure(t *testing.T) {
	svc := NewAttachDetachService(&fakeManager{attachErr: errors.New("no device")})
	resp, err := svc.Attach(context.Background(), &AttachRequest{})
	require.NoError(t, err)
	assert.False(t, resp.Attached)
	assert.Equal(t, "no device", resp.Error)
}

func TestAttachDetachServiceRegisterParsesIdentity(t *testing.T) {
	id := uuid.New()
	svc := NewAttachDetachService(&fakeManager{queueID: 7})
	resp, err := svc.Register(context.Background(), &RegisterRequest{Identity: id.String()})
	require.NoError(t, err)
	assert.Equal(t, uint32(7), resp.QueueID)
}

func TestAttachDetachServiceRegisterRejectsBadIdentity(t *testing.T) {
	svc := NewAttachDetachService(&fakeManager{})
	resp, err := svc.Register(context.Background(), &RegisterRequest{Identity: "not-a-uuid"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Error)
}

func TestAttachDetachServiceStatsProjectsManagerStats(t *testing.T) {
	svc := NewAttachDetachService(&fakeManager{stats: xdpmgr.Stats{
		Interface: "eth0", Attached: true, RegisteredQ: 2, MaxQueues: 64,
	}})
	resp, err := svc.Stats(context.Background(), &StatsRequest{})
	require.NoError(t, err)
	assert.Equal(t, "eth0", resp.Interface)
	assert.True(t, resp.Attached)
	assert.Equal(t, int32(2), resp.RegisteredQ)
}
