package xdpprog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRejectsInvalidMapFDs(t *testing.T) {
	_, err := Generate(MapFDs{RedirectTarget: 0, PortFilter: 3})
	require.Error(t, err)
	_, err = Generate(MapFDs{RedirectTarget: 3, PortFilter: 0})
	require.Error(t, err)
}

func TestGenerateProducesResolvableInstructions(t *testing.T) {
	insns, err := Generate(MapFDs{RedirectTarget: 10, PortFilter: 11})
	require.NoError(t, err)
	assert.NotEmpty(t, insns)

	out := Disassemble(insns)
	assert.NotEmpty(t, out)
}

func TestValidateRejectsPinnedAndGenerateTogether(t *testing.T) {
	require.Error(t, Validate("/sys/fs/bpf/ingress", true))
	require.NoError(t, Validate("/sys/fs/bpf/ingress", false))
	require.NoError(t, Validate("", true))
}

func TestMapSpecsAreBounded(t *testing.T) {
	rt := RedirectTargetMapSpec(64)
	assert.Equal(t, uint32(64), rt.MaxEntries)

	pf := PortFilterMapSpec(16)
	assert.Equal(t, uint32(16), pf.MaxEntries)
}
