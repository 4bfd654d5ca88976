package descriptor

import (
	"strings"

	"github.com/pkg/errors"
)

// 描述符校验和字符集，见 BIP-380。
const (
	inputCharset    = "0123456789()[],'/*abcdefgh@:$%{}IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
	checksumLength  = 8
)

var generators = [5]uint64{0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd}

func polymod(c uint64, val uint64) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ val
	for i, g := range generators {
		if (c0>>uint(i))&1 != 0 {
			c ^= g
		}
	}
	return c
}

// Checksum 计算描述符（不含 # 部分）的 8 字符校验和。
func Checksum(desc string) (string, error) {
	c := uint64(1)
	cls := uint64(0)
	clsCount := 0
	for _, ch := range desc {
		pos := strings.IndexRune(inputCharset, ch)
		if pos < 0 {
			return "", errors.Errorf("invalid descriptor character %q", ch)
		}
		c = polymod(c, uint64(pos&31))
		cls = cls*3 + uint64(pos>>5)
		clsCount++
		if clsCount == 3 {
			c = polymod(c, cls)
			cls = 0
			clsCount = 0
		}
	}
	if clsCount > 0 {
		c = polymod(c, cls)
	}
	for i := 0; i < checksumLength; i++ {
		c = polymod(c, 0)
	}
	c ^= 1

	var sb strings.Builder
	for i := 0; i < checksumLength; i++ {
		sb.WriteByte(checksumCharset[(c>>(5*uint(checksumLength-1-i)))&31])
	}
	return sb.String(), nil
}

// splitChecksum 拆分并校验可选的 #checksum 后缀。
func splitChecksum(raw string) (string, error) {
	body, sum, found := strings.Cut(raw, "#")
	if !found {
		return raw, nil
	}
	if len(sum) != checksumLength {
		return "", errors.Errorf("descriptor checksum must be %d characters", checksumLength)
	}
	want, err := Checksum(body)
	if err != nil {
		return "", err
	}
	if sum != want {
		return "", errors.New("descriptor checksum mismatch")
	}
	return body, nil
}
