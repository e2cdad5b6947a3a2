package ext4

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseXattrName(t *testing.T) {
	idx, name, err := parseXattrName("user.comment")
	require.NoError(t, err)
	assert.Equal(t, uint8(xattrIndexUser), idx)
	assert.Equal(t, "comment", name)

	idx, name, err = parseXattrName("security.selinux")
	require.NoError(t, err)
	assert.Equal(t, uint8(xattrIndexSecurity), idx)
	assert.Equal(t, "selinux", name)

	idx, name, err = parseXattrName("system.posix_acl_access")
	require.NoError(t, err)
	assert.Equal(t, uint8(xattrIndexPosixACLAccess), idx)
	assert.Empty(t, name)

	for _, bad := range []string{"", "noprefix", ".leading", "trailing.", "bogus.x"} {
		_, _, err := parseXattrName(bad)
		assert.True(t, IsCode(err, EINVAL), "expected EINVAL for %q", bad)
	}
}

func TestXattrBlockCodecRoundTrip(t *testing.T) {
	in := []xattrEntry{
		{NameIndex: xattrIndexUser, Name: "comment", Value: []byte("hello world")},
		{NameIndex: xattrIndexTrusted, Name: "meta", Value: []byte{0, 1, 2, 3, 4}},
		{NameIndex: xattrIndexUser, Name: "empty", Value: nil},
	}

	buf := make([]byte, BlockSize)
	require.NoError(t, encodeXattrBlock(buf, in))

	out, err := decodeXattrBlock(buf)
	require.NoError(t, err)
	require.Len(t, out, 3)

	byName := map[string][]byte{}
	for _, e := range out {
		byName[xattrFullName(e)] = e.Value
	}
	assert.Equal(t, []byte("hello world"), byName["user.comment"])
	assert.Equal(t, []byte{0, 1, 2, 3, 4}, byName["trusted.meta"])
	assert.Empty(t, byName["user.empty"])
}

func TestXattrBlockOverflow(t *testing.T) {
	buf := make([]byte, BlockSize)
	err := encodeXattrBlock(buf, []xattrEntry{
		{NameIndex: xattrIndexUser, Name: "big", Value: make([]byte, BlockSize)},
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, ENOSPC))
}

func TestXattrLifecycle(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	id := mustCreate(t, fs, "tagged")

	_, err := fs.GetXattr(id, "user.color")
	assert.True(t, IsCode(err, ENODATA))

	free := fs.FreeBlocks()
	require.NoError(t, fs.SetXattr(id, "user.color", []byte("blue")))
	assert.Equal(t, free-1, fs.FreeBlocks(), "first attribute allocates the block")

	val, err := fs.GetXattr(id, "user.color")
	require.NoError(t, err)
	assert.Equal(t, []byte("blue"), val)

	// Replace in place, no extra block.
	require.NoError(t, fs.SetXattr(id, "user.color", []byte("green")))
	val, err = fs.GetXattr(id, "user.color")
	require.NoError(t, err)
	assert.Equal(t, []byte("green"), val)
	assert.Equal(t, free-1, fs.FreeBlocks())

	require.NoError(t, fs.SetXattr(id, "trusted.origin", []byte("fixture")))
	names, err := fs.ListXattr(id)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"user.color", "trusted.origin"}, names)

	require.NoError(t, fs.RemoveXattr(id, "user.color"))
	_, err = fs.GetXattr(id, "user.color")
	assert.True(t, IsCode(err, ENODATA))

	// Removing the last attribute releases the block.
	require.NoError(t, fs.RemoveXattr(id, "trusted.origin"))
	assert.Equal(t, free, fs.FreeBlocks())

	names, err = fs.ListXattr(id)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRemoveXattrMissing(t *testing.T) {
	fs, _ := newTestFS(t, 64<<20)
	id := mustCreate(t, fs, "plain")

	err := fs.RemoveXattr(id, "user.ghost")
	assert.True(t, IsCode(err, ENODATA))
}

func TestXattrSurvivesReload(t *testing.T) {
	fs, dev := newTestFS(t, 64<<20)
	id := mustCreate(t, fs, "durable")
	require.NoError(t, fs.SetXattr(id, "user.keep", []byte("me")))
	require.NoError(t, fs.Close())

	again, err := Load(dev)
	require.NoError(t, err)
	val, err := again.GetXattr(id, "user.keep")
	require.NoError(t, err)
	assert.Equal(t, []byte("me"), val)
}
