// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package types

import (
	"crypto/sha256"
	"math/big"

	"github.com/pkg/errors"
)

// rippleAlphabet is the base58 dictionary used for classic ledger
// addresses. It differs from the Bitcoin dictionary.
const rippleAlphabet = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"

// accountIDVersion is the version byte of an encoded account id.
const accountIDVersion = 0x00

// AccountIDLen is the length of a raw account id in bytes.
const AccountIDLen = 20

var (
	ErrInvalidAddress  = errors.New("invalid account address")
	ErrInvalidChecksum = errors.New("invalid address checksum")
)

var alphabetIndex = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(rippleAlphabet); i++ {
		idx[rippleAlphabet[i]] = int8(i)
	}
	return idx
}()

// Address is a classic ledger account address in its textual form.
type Address string

// String returns the textual form of the address.
func (a Address) String() string {
	return string(a)
}

// AccountID decodes the address into its raw 20-byte account id,
// verifying the version byte and the 4-byte double-SHA256 checksum.
func (a Address) AccountID() ([AccountIDLen]byte, error) {
	var account [AccountIDLen]byte
	payload, err := decodeBase58(string(a))
	if err != nil {
		return account, err
	}
	if len(payload) != 1+AccountIDLen+4 {
		return account, errors.Wrapf(ErrInvalidAddress, "payload length %d", len(payload))
	}
	if payload[0] != accountIDVersion {
		return account, errors.Wrapf(ErrInvalidAddress, "version byte %#x", payload[0])
	}
	body, check := payload[:1+AccountIDLen], payload[1+AccountIDLen:]
	sum := checksum(body)
	for i := range check {
		if check[i] != sum[i] {
			return account, ErrInvalidChecksum
		}
	}
	copy(account[:], body[1:])
	return account, nil
}

// Valid reports whether the address decodes to a well-formed account id.
func (a Address) Valid() bool {
	_, err := a.AccountID()
	return err == nil
}

// EncodeAccountID encodes a raw account id into its textual address
// form.
func EncodeAccountID(account [AccountIDLen]byte) Address {
	payload := make([]byte, 0, 1+AccountIDLen+4)
	payload = append(payload, accountIDVersion)
	payload = append(payload, account[:]...)
	sum := checksum(payload)
	payload = append(payload, sum[:]...)
	return Address(encodeBase58(payload))
}

func checksum(b []byte) [4]byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	var sum [4]byte
	copy(sum[:], second[:4])
	return sum
}

func decodeBase58(s string) ([]byte, error) {
	if len(s) == 0 {
		return nil, errors.Wrap(ErrInvalidAddress, "empty")
	}
	n := new(big.Int)
	radix := big.NewInt(58)
	digit := new(big.Int)
	for i := 0; i < len(s); i++ {
		d := alphabetIndex[s[i]]
		if d < 0 {
			return nil, errors.Wrapf(ErrInvalidAddress, "character %q", s[i])
		}
		n.Mul(n, radix)
		n.Add(n, digit.SetInt64(int64(d)))
	}
	// Each leading zero digit encodes one zero byte.
	zeros := 0
	for zeros < len(s) && s[zeros] == rippleAlphabet[0] {
		zeros++
	}
	return append(make([]byte, zeros), n.Bytes()...), nil
}

func encodeBase58(b []byte) string {
	zeros := 0
	for zeros < len(b) && b[zeros] == 0 {
		zeros++
	}
	n := new(big.Int).SetBytes(b)
	radix := big.NewInt(58)
	mod := new(big.Int)
	var out []byte
	for n.Sign() > 0 {
		n.DivMod(n, radix, mod)
		out = append(out, rippleAlphabet[mod.Int64()])
	}
	for i := 0; i < zeros; i++ {
		out = append(out, rippleAlphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
