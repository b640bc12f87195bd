package chain

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
)

var (
	starknetAddrRe = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}$`)
	fuelAddrRe     = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	tonRawAddrRe   = regexp.MustCompile(`^-?[0-9]+:[0-9a-fA-F]{64}$`)
)

// ValidateAddress checks that addr is well formed for the given family.
func ValidateAddress(family Family, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	var ok bool
	switch family {
	case FamilyEVM:
		ok = common.IsHexAddress(addr) && strings.HasPrefix(addr, "0x")
	case FamilySolana:
		_, err := solana.PublicKeyFromBase58(addr)
		ok = err == nil
	case FamilyStarknet:
		ok = starknetAddrRe.MatchString(addr)
	case FamilyFuel:
		ok = fuelAddrRe.MatchString(addr)
	case FamilyTON:
		ok = isTONAddress(addr)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}

	if !ok {
		return fmt.Errorf("%w for %s: %s", ErrInvalidAddress, family, addr)
	}
	return nil
}

// isTONAddress accepts raw "wc:hex" and 48-character user-friendly forms.
func isTONAddress(addr string) bool {
	if tonRawAddrRe.MatchString(addr) {
		return true
	}
	if len(addr) != 48 {
		return false
	}
	b, err := base64.URLEncoding.DecodeString(addr)
	if err != nil {
		b, err = base64.StdEncoding.DecodeString(addr)
	}
	return err == nil && len(b) == 36
}
