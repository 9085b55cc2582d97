package xdpmgr

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPinPath(t *testing.T) {
	assert.Equal(t, "/sys/fs/bpf/ingress", PinPath("ingress"))
}

func TestRegisterFailsWhenQueuesFull(t *testing.T) {
	m := &Manager{
		cfg:        Config{MaxQueues: 0},
		registered: make(map[uint32]uuid.UUID),
	}
	_, err := m.Register(uuid.New(), 3)
	require.Error(t, err)
}

func TestRegisterRejectsInvalidFD(t *testing.T) {
	m := &Manager{
		cfg:        Config{MaxQueues: 64},
		registered: make(map[uint32]uuid.UUID),
	}
	_, err := m.Register(uuid.New(), -1)
	require.Error(t, err)
}

func TestStatsReflectsConfig(t *testing.T) {
	m := &Manager{
		cfg:        Config{Interface: "eth0", MaxQueues: 64},
		registered: make(map[uint32]uuid.UUID),
	}
	st := m.Stats()
	assert.Equal(t, "eth0", st.Interface)
	assert.False(t, st.Attached)
	assert.Equal(t, uint32(64), st.MaxQueues)
}
