package loaders

import (
	"os"

	"github.com/cockroachdb/errors"
)

// SpirvMagic is the first word of every SPIR-V module.
const SpirvMagic uint32 = 0x07230203

// SPIR-V header: magic, version, generator, bound, schema.
const spirvHeaderWords = 5

var ErrInvalidShader = errors.New("invalid SPIR-V module")

type ShaderLoader struct{}

// Load reads a compiled SPIR-V module and checks its header. The returned
// bytes are handed to the device unchanged.
func (sl *ShaderLoader) Load(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading shader %s", path)
	}
	if err := ValidateSpirv(data); err != nil {
		return nil, errors.Wrapf(err, "shader %s", path)
	}
	return data, nil
}

func ValidateSpirv(data []byte) error {
	if len(data)%4 != 0 {
		return errors.Wrapf(ErrInvalidShader, "size %d is not a multiple of 4", len(data))
	}
	code := bytesToBytecode(data)
	if len(code) < spirvHeaderWords {
		return errors.Wrapf(ErrInvalidShader, "%d words is shorter than the header", len(code))
	}
	if code[0] != SpirvMagic {
		return errors.Wrapf(ErrInvalidShader, "bad magic 0x%08x", code[0])
	}
	return nil
}

func bytesToBytecode(b []byte) []uint32 {
	byteCode := make([]uint32, len(b)/4)
	for i := 0; i < len(byteCode); i++ {
		byteIndex := i * 4
		byteCode[i] = 0
		byteCode[i] |= uint32(b[byteIndex])
		byteCode[i] |= uint32(b[byteIndex+1]) << 8
		byteCode[i] |= uint32(b[byteIndex+2]) << 16
		byteCode[i] |= uint32(b[byteIndex+3]) << 24
	}

	return byteCode
}
