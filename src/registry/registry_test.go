// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package registry

import (
	"context"
	"testing"

	"continuumtasks/src/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandler string

func (h stubHandler) Run(ctx context.Context, t *task.Task) task.RunResult {
	return task.RunResult{Status: task.RunFinished}
}

func (h stubHandler) Category(t *task.Task) string { return string(h) }

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("urn:b", stubHandler("b")))
	require.NoError(t, r.Register("urn:a", stubHandler("a")))

	assert.Equal(t, stubHandler("a"), r.Lookup("urn:a"))
	assert.Nil(t, r.Lookup("urn:missing"))
	assert.Equal(t, []string{"urn:a", "urn:b"}, r.URIs())

}

func TestRegisterRejectsDuplicateURI(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("urn:a", stubHandler("a")))

	err := r.Register("urn:a", stubHandler("a2"))
	require.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, stubHandler("a"), r.Lookup("urn:a"), "the first registration stays")
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	r := New()
	require.Error(t, r.Register("", stubHandler("x")))
	require.Error(t, r.Register("urn:x", nil))
	assert.Empty(t, r.URIs())
}

func TestRegistryResolvesTaskHandler(t *testing.T) {
	r := New()
	require.NoError(t, r.Register("urn:sync", stubHandler("provisioning")))

	tk := task.New(task.Deps{Handlers: r})
	require.NoError(t, tk.PushHandler("urn:sync"))
	assert.Equal(t, "provisioning", tk.CategoryFromHandler())
}
