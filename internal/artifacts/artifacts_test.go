package artifacts

import (
	"os"
	"path/filepath"
	"testing"

	xerrors "VaultOps/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dripperArtifact = `{
  "_format": "hh-sol-artifact-1",
  "contractName": "Dripper",
  "sourceName": "contracts/harvest/Dripper.sol",
  "abi": [
    {"type":"constructor","inputs":[{"name":"_vault","type":"address"},{"name":"_token","type":"address"}],"stateMutability":"nonpayable"},
    {"type":"function","name":"collectAndRebase","inputs":[],"outputs":[],"stateMutability":"nonpayable"}
  ],
  "bytecode": "0x6001600055",
  "deployedBytecode": "0x600055"
}`

func writeArtifact(t *testing.T, dir, rel, body string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestStoreGet(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "contracts/harvest/Dripper.sol/Dripper.json", dripperArtifact)
	writeArtifact(t, dir, "contracts/harvest/Dripper.sol/Dripper.dbg.json", `{"buildInfo":"x"}`)

	store := NewStore(dir)
	names, err := store.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"Dripper"}, names)

	a, err := store.Get("Dripper")
	require.NoError(t, err)
	assert.Equal(t, "contracts/harvest/Dripper.sol", a.SourceName)
	assert.Equal(t, []byte{0x60, 0x01, 0x60, 0x00, 0x55}, a.Bytecode)
	assert.Len(t, a.ABI.Constructor.Inputs, 2)

	code, err := store.Bytecode("Dripper")
	require.NoError(t, err)
	assert.NotEmpty(t, code)

	_, err = store.Get("Vault")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeArtifactNotFound))
}

func TestStoreFallsBackToBuiltinABI(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing"))

	parsed, err := store.ABI("VaultCore")
	require.NoError(t, err)
	_, ok := parsed.Methods["allocate"]
	assert.True(t, ok)

	_, err = store.Bytecode("VaultCore")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeArtifactNotFound))
}

func TestStoreArtifactOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "Dripper.json", dripperArtifact)

	parsed, err := NewStore(dir).ABI("Dripper")
	require.NoError(t, err)
	_, ok := parsed.Methods["setDripDuration"]
	assert.False(t, ok, "artifact ABI replaces the built-in interface")
}
