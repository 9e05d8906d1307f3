// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package vault

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/reflexsoar/reflexsoar-agent/ci"
)

func testVault(t *testing.T, dir string) *Vault {
	t.Helper()
	v, err := NewVault(Config{
		Path:       dir,
		SecretKey:  "test-master-key",
		Iterations: 1000,
	})
	must.NoError(t, err)
	return v
}

func TestVault_CreateGet(t *testing.T) {
	ci.Parallel(t)

	v := testVault(t, t.TempDir())

	id, err := v.Create("svc-account", "hunter2")
	must.NoError(t, err)
	must.NotEq(t, "", id)

	secret := v.Get(id)
	must.NotNil(t, secret)
	must.Eq(t, "svc-account", secret.Username)
	must.Eq(t, "hunter2", secret.Password)

	must.Nil(t, v.Get("not-a-secret"))
}

func TestVault_CiphertextOpaque(t *testing.T) {
	ci.Parallel(t)

	v := testVault(t, t.TempDir())

	id, err := v.Create("svc-account", "hunter2")
	must.NoError(t, err)

	raw, err := os.ReadFile(v.Path())
	must.NoError(t, err)
	must.StrContains(t, string(raw), id)
	must.StrNotContains(t, string(raw), "svc-account")
	must.StrNotContains(t, string(raw), "hunter2")
}

func TestVault_Update(t *testing.T) {
	ci.Parallel(t)

	v := testVault(t, t.TempDir())

	id, err := v.Create("old-user", "old-pass")
	must.NoError(t, err)

	must.NoError(t, v.Update(id, "new-user", "new-pass"))
	must.NoError(t, v.Save())

	secret := v.Get(id)
	must.NotNil(t, secret)
	must.Eq(t, "new-user", secret.Username)
	must.Eq(t, "new-pass", secret.Password)
}

func TestVault_Delete(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	v := testVault(t, dir)

	id, err := v.Create("svc-account", "hunter2")
	must.NoError(t, err)

	must.NoError(t, v.Delete(id, false))
	must.Nil(t, v.Get(id))

	// the deletion survives a reload from disk
	reloaded := testVault(t, dir)
	must.Nil(t, reloaded.Get(id))
}

func TestVault_DeleteSurvivesSaveMerge(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	v := testVault(t, dir)

	keep, err := v.Create("svc-keep", "pass-keep")
	must.NoError(t, err)
	gone, err := v.Create("svc-gone", "pass-gone")
	must.NoError(t, err)

	must.NoError(t, v.Delete(gone, false))

	// later writes merge from disk without resurrecting the deleted id
	_, err = v.Create("svc-after", "pass-after")
	must.NoError(t, err)
	must.Nil(t, v.Get(gone))
	must.NotNil(t, v.Get(keep))

	reloaded := testVault(t, dir)
	must.Nil(t, reloaded.Get(gone))
	must.NotNil(t, reloaded.Get(keep))
}

func TestVault_DeleteSkipSave(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	v := testVault(t, dir)

	id, err := v.Create("svc-account", "hunter2")
	must.NoError(t, err)

	must.NoError(t, v.Delete(id, true))
	must.Nil(t, v.Get(id))

	// skipSave leaves the on-disk copy intact
	reloaded := testVault(t, dir)
	must.NotNil(t, reloaded.Get(id))
}

func TestVault_WrongKey(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	v := testVault(t, dir)

	id, err := v.Create("svc-account", "hunter2")
	must.NoError(t, err)

	other, err := NewVault(Config{
		Path:       dir,
		SecretKey:  "a-different-key",
		Iterations: 1000,
	})
	must.NoError(t, err)

	// entries are visible but decrypt to empty strings
	secret := other.Get(id)
	must.NotNil(t, secret)
	must.Eq(t, "", secret.Username)
	must.Eq(t, "", secret.Password)
}

func TestVault_Refresh(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	writer := testVault(t, dir)
	reader := testVault(t, dir)

	id, err := writer.Create("svc-account", "hunter2")
	must.NoError(t, err)

	// the reader does not see the secret until it refreshes
	must.Nil(t, reader.Get(id))
	must.NoError(t, reader.Refresh())

	secret := reader.Get(id)
	must.NotNil(t, secret)
	must.Eq(t, "svc-account", secret.Username)
}

func TestVault_ConcurrentCreates(t *testing.T) {
	ci.Parallel(t)

	dir := t.TempDir()
	v := testVault(t, dir)

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = v.Create(fmt.Sprintf("user-%d", i), fmt.Sprintf("pass-%d", i))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		must.NoError(t, err)
	}

	seen := make(map[string]bool, n)
	for _, id := range ids {
		must.False(t, seen[id])
		seen[id] = true
	}

	// a second handle sees every secret after a refresh
	other := testVault(t, dir)
	must.NoError(t, other.Refresh())
	for i, id := range ids {
		secret := other.Get(id)
		must.NotNil(t, secret)
		must.Eq(t, fmt.Sprintf("user-%d", i), secret.Username)
		must.Eq(t, fmt.Sprintf("pass-%d", i), secret.Password)
	}
}

func TestVault_EnvironmentDefaults(t *testing.T) {
	t.Setenv("REFLEX_AGENT_VAULT_SECRET", "env-key")
	t.Setenv("REFLEX_AGENT_VAULT_NAME", "custom-vault.yml")

	v, err := NewVault(Config{Path: t.TempDir(), Iterations: 1000})
	must.NoError(t, err)
	must.Eq(t, "custom-vault.yml", v.Name())
	must.Eq(t, "env-key", v.SecretKey())
}

func TestVault_GeneratedKey(t *testing.T) {
	t.Setenv("REFLEX_AGENT_VAULT_SECRET", "")

	v, err := NewVault(Config{Path: t.TempDir(), Iterations: 1000})
	must.NoError(t, err)
	must.NotEq(t, "", v.SecretKey())
}
