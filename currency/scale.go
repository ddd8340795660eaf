// Copyright 2024 PolyCrypt GmbH
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

// Package currency converts between a peer's local integer amounts and
// the ledger's native drops with exact integer arithmetic. Conversions
// that cannot be represented exactly round up, so this process never
// under-reports what it is owed and never under-delivers what it owes.
package currency

import (
	"math/big"

	"github.com/pkg/errors"
)

// DropScale is the ledger's native decimal scale: one unit of the
// settled asset is 10^DropScale drops.
const DropScale = 6

// MaxScale bounds the accepted local scale.
const MaxScale = 19

var one = big.NewInt(1)

// Converter converts amounts between a fixed local scale and drops.
type Converter struct {
	localScale uint8
}

// NewConverter creates a converter for the given local scale.
func NewConverter(localScale uint8) (Converter, error) {
	if localScale > MaxScale {
		return Converter{}, errors.Errorf("currency scale %d exceeds maximum %d", localScale, MaxScale)
	}
	return Converter{localScale: localScale}, nil
}

// Scale returns the local scale.
func (c Converter) Scale() uint8 {
	return c.localScale
}

// LocalToDrops converts an amount at the local scale to drops. If the
// local scale is finer than the drop scale the division rounds up.
func (c Converter) LocalToDrops(local *big.Int) *big.Int {
	if c.localScale <= DropScale {
		return new(big.Int).Mul(local, pow10(DropScale-c.localScale))
	}
	return ceilDiv(local, pow10(c.localScale-DropScale))
}

// DropsToLocal converts drops to an amount at the local scale. If the
// local scale is coarser than the drop scale the division rounds up.
func (c Converter) DropsToLocal(drops *big.Int) *big.Int {
	if c.localScale >= DropScale {
		return new(big.Int).Mul(drops, pow10(c.localScale-DropScale))
	}
	return ceilDiv(drops, pow10(DropScale-c.localScale))
}

// ParseAmount parses a non-negative integer amount from its decimal
// string form.
func ParseAmount(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.Errorf("invalid amount %q", s)
	}
	if n.Sign() < 0 {
		return nil, errors.Errorf("amount %q is negative", s)
	}
	return n, nil
}

func pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// ceilDiv divides n by d rounding towards positive infinity. Amounts
// are non-negative throughout the engine.
func ceilDiv(n, d *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(n, d, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, one)
	}
	return q
}
