// SPDX-License-Identifier: GPL-3.0-or-later

package netx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCIDExtend(t *testing.T) {
	root := NewCID(3)
	assert.True(t, root.Valid())
	assert.Equal(t, "3", root.String())

	child := root.Extend(0)
	assert.Equal(t, "3.0", child.String())
	assert.True(t, root.IsPrefixOf(child))
	assert.False(t, child.IsPrefixOf(root))

	grandchild := child.Extend(1)
	assert.Equal(t, "3.0.1", grandchild.String())
	assert.True(t, root.IsPrefixOf(grandchild))

	// Extend must not mutate the receiver.
	assert.Equal(t, "3", root.String())
}

func TestCIDNotPrefixOfSelf(t *testing.T) {
	cid := NewCID(1)
	assert.False(t, cid.IsPrefixOf(cid))
}

func TestCIDInvalid(t *testing.T) {
	var empty CID
	assert.False(t, empty.Valid())
}
