package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	id, err := Parse("myapp")
	require.NoError(t, err)
	assert.Equal(t, Identity{Project: "myapp"}, id)

	id, err = Parse("myapp:api")
	require.NoError(t, err)
	assert.Equal(t, Identity{Project: "myapp", Stack: "api"}, id)

	id, err = Parse("myapp:api:worktree-2")
	require.NoError(t, err)
	assert.Equal(t, Identity{Project: "myapp", Stack: "api", Context: "worktree-2"}, id)
	assert.Equal(t, "myapp:api:worktree-2", id.String())
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{
		"",
		":api",
		"myapp:",
		"my app",
		"a:b:c:d",
		"my*app",
		"a/b",
	} {
		_, err := Parse(s)
		assert.Error(t, err, "expected %q to be rejected", s)
		assert.False(t, Valid(s))
	}
}

func TestAncestors(t *testing.T) {
	id, err := Parse("a:b:c")
	require.NoError(t, err)
	assert.Equal(t, []string{"a:b:c", "a:b", "a"}, id.Ancestors())

	id, err = Parse("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, id.Ancestors())
}

func TestPattern(t *testing.T) {
	p, err := CompilePattern("myapp:*")
	require.NoError(t, err)
	assert.True(t, p.Match("myapp:api"))
	assert.True(t, p.Match("myapp:web"))
	// * does not cross segment boundaries.
	assert.False(t, p.Match("myapp:api:dev"))
	assert.False(t, p.Match("other:api"))

	exact, err := CompilePattern("myapp:api")
	require.NoError(t, err)
	assert.True(t, exact.Match("myapp:api"))
	assert.False(t, exact.Match("myapp:web"))
}

func TestIsPattern(t *testing.T) {
	assert.True(t, IsPattern("myapp:*"))
	assert.False(t, IsPattern("myapp:api"))
}
