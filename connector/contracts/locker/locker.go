package locker

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/lmittmann/w3"

	"github.com/Near-One/native-erc20-connector/connector/artifact"
	"github.com/Near-One/native-erc20-connector/connector/build"
	"github.com/Near-One/native-erc20-connector/connector/registry"
)

var funcCreateToken = w3.MustNewFunc("createToken(address)", "")

var BaseTarget = build.Target{Name: "aurora-locker", Toolchain: build.Forge}

// SdkTarget links AuroraSdk against the deployed Codec and Utils libraries.
func SdkTarget(codec, utils common.Address) build.Target {
	return build.Target{
		Name: "aurora-locker-sdk",
		Vars: []build.Var{
			{Name: "CODEC", Value: makeAddress(codec)},
			{Name: "UTILS", Value: makeAddress(utils)},
		},
		Toolchain: build.Forge,
	}
}

// LockerTarget links Locker against the deployed Codec and AuroraSdk.
func LockerTarget(codec, sdk common.Address) build.Target {
	return build.Target{
		Name: "aurora-locker-with-libs",
		Vars: []build.Var{
			{Name: "CODEC", Value: makeAddress(codec)},
			{Name: "SDK", Value: makeAddress(sdk)},
		},
		Toolchain: build.Forge,
	}
}

// makeAddress renders addr as lowercase 0x-prefixed hex.
func makeAddress(addr common.Address) string {
	return hexutil.Encode(addr.Bytes())
}

func ArtifactPath(root string, name registry.Name) string {
	return artifact.ForgePath(root, string(name))
}

type InitArgs struct {
	FactoryAccountID string
	Codec            common.Address
	Sdk              common.Address
	WNear            common.Address
}

// EncodeDeploy returns the Locker bytecode followed by its constructor
// arguments, encoded with the artifact's ABI.
func EncodeDeploy(a *artifact.Artifact, args InitArgs) ([]byte, error) {
	data, err := a.DeployData(args.FactoryAccountID, args.Codec, args.Sdk, args.WNear)
	if err != nil {
		return nil, fmt.Errorf("encode Locker constructor: %w", err)
	}
	return data, nil
}

// DecodeDeploy is the inverse of EncodeDeploy.
func DecodeDeploy(a *artifact.Artifact, data []byte) (InitArgs, error) {
	values, err := a.ConstructorArgs(data)
	if err != nil {
		return InitArgs{}, err
	}
	if len(values) != 4 {
		return InitArgs{}, fmt.Errorf("decode Locker constructor: expected 4 arguments, got %d", len(values))
	}
	var out InitArgs
	var ok [4]bool
	out.FactoryAccountID, ok[0] = values[0].(string)
	out.Codec, ok[1] = values[1].(common.Address)
	out.Sdk, ok[2] = values[2].(common.Address)
	out.WNear, ok[3] = values[3].(common.Address)
	for i, fine := range ok {
		if !fine {
			return InitArgs{}, fmt.Errorf("decode Locker constructor: argument %d has type %T", i, values[i])
		}
	}
	return out, nil
}

func EncodeCreateToken(token common.Address) ([]byte, error) {
	return funcCreateToken.EncodeArgs(token)
}
