package locker_test

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Near-One/native-erc20-connector/connector/artifact"
	"github.com/Near-One/native-erc20-connector/connector/contracts/locker"
)

const lockerArtifact = `{
	"abi":[{"type":"constructor","inputs":[
		{"name":"factory","type":"string"},
		{"name":"codec","type":"address"},
		{"name":"sdk","type":"address"},
		{"name":"wnear","type":"address"}
	]}],
	"bytecode":{"object":"0x60806040"}
}`

func TestLockerTargets(t *testing.T) {
	codec := common.HexToAddress("0x0000000000000000000000000000000000000001")
	utils := common.HexToAddress("0x0000000000000000000000000000000000000002")
	assert.Equal(t,
		"CODEC=0x0000000000000000000000000000000000000001 UTILS=0x0000000000000000000000000000000000000002 aurora-locker-sdk",
		locker.SdkTarget(codec, utils).Command())
	assert.Equal(t,
		"CODEC=0x0000000000000000000000000000000000000001 SDK=0x0000000000000000000000000000000000000002 aurora-locker-with-libs",
		locker.LockerTarget(codec, utils).Command())
}

func TestLockerTargetsUseLowercaseHex(t *testing.T) {
	codec := common.HexToAddress("0xABCDEF0000000000000000000000000000C0DEC0")
	sdk := common.HexToAddress("0x00000000000000000000000000000000000005D4")
	assert.Equal(t,
		"CODEC=0xabcdef0000000000000000000000000000c0dec0 SDK=0x00000000000000000000000000000000000005d4 aurora-locker-with-libs",
		locker.LockerTarget(codec, sdk).Command())
}

func TestLockerConstructorRoundTrip(t *testing.T) {
	a, err := artifact.Parse([]byte(lockerArtifact))
	require.NoError(t, err)

	in := locker.InitArgs{
		FactoryAccountID: "factory.testnet",
		Codec:            common.HexToAddress("0x01"),
		Sdk:              common.HexToAddress("0x03"),
		WNear:            common.HexToAddress("0x05"),
	}
	data, err := locker.EncodeDeploy(a, in)
	require.NoError(t, err)

	out, err := locker.DecodeDeploy(a, data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCreateTokenCalldata(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	data, err := locker.EncodeCreateToken(token)
	require.NoError(t, err)
	require.Len(t, data, 4+32)
	assert.Equal(t, crypto.Keccak256([]byte("createToken(address)"))[:4], data[:4])
	assert.Equal(t, token.Bytes(), data[4+12:])
}
