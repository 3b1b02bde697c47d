package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterDefaultsPath(t *testing.T) {
	reg := NewRegistry()
	b := newUsersBuilder(t)

	require.NoError(t, reg.Register("users", "", b))

	path, ok := reg.pathFor("users")
	require.True(t, ok)
	assert.Equal(t, "/users", path)
}

func TestRegistryRegisterRejectsDuplicateName(t *testing.T) {
	reg := NewRegistry()
	b := newUsersBuilder(t)
	require.NoError(t, reg.Register("users", "", b))

	err := reg.Register("users", "/other", newUsersBuilder(t))
	assert.Error(t, err)
}

func TestRegistryRegisterRejectsDuplicatePath(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("users", "/shared", newUsersBuilder(t)))

	err := reg.Register("accounts", "/shared", newUsersBuilder(t))
	assert.Error(t, err)
}

func TestRegistryByPathResolvesName(t *testing.T) {
	reg := NewRegistry()
	b := newUsersBuilder(t)
	require.NoError(t, reg.Register("users", "/u", b))

	name, got, ok := reg.ByPath("/u")
	require.True(t, ok)
	assert.Equal(t, "users", name)
	assert.Same(t, b, got)
}

func TestRegistryLiveTrueOnceEveryEndpointHasAGeneration(t *testing.T) {
	reg := NewRegistry()
	b := newUsersBuilder(t)
	require.NoError(t, reg.Register("users", "", b))

	// cachebuilder.New stores an initial (empty) generation before
	// returning, so a freshly registered endpoint is already live.
	assert.True(t, reg.Live())

	insertUser(t, b, 0, userRec(1, "alice", 30, ""))
	assert.True(t, reg.Live())
}

func TestRegistryLiveWithNoEndpointsIsVacuouslyTrue(t *testing.T) {
	reg := NewRegistry()
	assert.True(t, reg.Live())
}
