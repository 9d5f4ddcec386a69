package scrippet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "command", KindCommand.String())
	assert.Equal(t, "startup", KindStartup.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestDiscoveryErrorWrapping(t *testing.T) {
	t.Parallel()
	cause := errors.New("permission denied")
	err := DiscoveryError{Path: "broken.js", Err: cause}

	assert.Contains(t, err.Error(), "broken.js")
	assert.Contains(t, err.Error(), "permission denied")
	require.ErrorIs(t, err, cause)
}

func TestDiscoveryErrorWrapsNoIdentifier(t *testing.T) {
	t.Parallel()
	_, cause := ExtractMetadata("nothing here", "---.js")
	require.Error(t, cause)

	err := DiscoveryError{Path: "---.js", Err: cause}
	assert.ErrorIs(t, err, ErrNoIdentifier)
}

func TestLoadErrorWrapping(t *testing.T) {
	t.Parallel()
	cause := errors.New("compile failed")
	var err error = &LoadError{ID: "bad-script", Err: cause}

	assert.Contains(t, err.Error(), "bad-script")
	require.ErrorIs(t, err, cause)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "bad-script", loadErr.ID)
}
