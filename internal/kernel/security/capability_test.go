// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package security

import (
	"testing"

	"github.com/stretchr/testify/require"

	kerrors "github.com/trustos/kernel/pkg/errors"
)

func TestCapabilityDerivationScenario(t *testing.T) {
	// spec §8 scenario 6.
	r := NewRegistry()
	root, err := r.Create(TypeMemory, RightRead|RightWrite, 1)
	require.NoError(t, err)

	child, err := r.Derive(root, RightRead, 2)
	require.NoError(t, err)

	grandchild, err := r.Derive(child, RightRead, 3)
	require.NoError(t, err)
	require.NotZero(t, grandchild)

	_, err = r.Derive(child, RightRead|RightExec, 4)
	require.ErrorIs(t, err, &kerrors.Error{Kind: kerrors.PermissionDenied})

	require.NoError(t, r.Revoke(root))
	// derivatives survive an un-cascaded revoke of the parent
	require.NoError(t, r.Validate(child, RightRead))
}

func TestRevokeByOwnerCascades(t *testing.T) {
	r := NewRegistry()
	a, err := r.Create(TypeFile, RightRead, 7)
	require.NoError(t, err)
	b, err := r.Create(TypeNetwork, RightWrite, 7)
	require.NoError(t, err)
	_, err = r.Create(TypeStorage, RightRead, 8)
	require.NoError(t, err)

	n := r.RevokeByOwner(7)
	require.Equal(t, 2, n)
	require.Error(t, r.Validate(a, RightRead))
	require.Error(t, r.Validate(b, RightWrite))
}

func TestKernelCapabilityIsSuperuser(t *testing.T) {
	r := NewRegistry()
	k, err := r.Create(TypeKernel, 0, 1)
	require.NoError(t, err)
	require.NoError(t, r.Validate(k, RightAdmin|RightExec|RightDelete))
}

func TestValidateRejectsMissingRights(t *testing.T) {
	r := NewRegistry()
	id, err := r.Create(TypeFile, RightRead, 1)
	require.NoError(t, err)
	require.Error(t, r.Validate(id, RightWrite))
}
