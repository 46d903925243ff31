package crypto

import (
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known throwaway key (hardhat account #0).
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestEncryptedKeyFile(t *testing.T) {
	blob, err := EncryptKey("0x"+testKey, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "wrong"})
	assert.Error(t, err)
}

func TestKeyfileRecordsAndAuthenticatesAddress(t *testing.T) {
	blob, err := EncryptKey(testKey, "pw")
	require.NoError(t, err)

	var kf map[string]any
	require.NoError(t, json.Unmarshal(blob, &kf))
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", kf["address"])
	assert.EqualValues(t, 2, kf["version"])

	kf["address"] = "0x000000000000000000000000000000000000dEaD"
	swapped, err := json.Marshal(kf)
	require.NoError(t, err)
	_, err = DecryptKey(swapped, "pw")
	assert.ErrorContains(t, err, "does not open")
}

func TestLoadKeyPrecedenceAndErrors(t *testing.T) {
	got, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKey, EncryptedKeyPath: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = LoadKey(KeyConfig{RawPrivateKey: "zz"})
	assert.Error(t, err)

	_, err = LoadKey(KeyConfig{})
	assert.Error(t, err)

	_, err = EncryptKey(testKey, "")
	assert.Error(t, err)
	_, err = EncryptKey("abcd", "pw")
	assert.Error(t, err)
}

func TestSignerSignsForChain(t *testing.T) {
	s, err := LoadSigner(KeyConfig{RawPrivateKey: testKey}, 8453)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())
	assert.Equal(t, int64(8453), s.ChainID().Int64())

	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   s.ChainID(),
		Nonce:     7,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})
	signed, err := s.SignTx(tx)
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)
}
