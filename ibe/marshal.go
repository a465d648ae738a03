// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ibe

import (
	"bytes"
	"math/big"

	"golang.org/x/crypto/bn256"
)

// Marshal encodes g1 || h || g1Hat || hHat || v. The generators are implied.
func (p *PublicParams) Marshal() []byte {
	return bytes.Clone(p.encoded)
}

func (p *PublicParams) marshal() []byte {
	out := make([]byte, 0, PublicParamsSize)
	out = append(out, p.g1.Marshal()...)
	out = append(out, p.h.Marshal()...)
	out = append(out, p.g1Hat.Marshal()...)
	out = append(out, p.hHat.Marshal()...)
	out = append(out, p.v.Marshal()...)
	return out
}

// UnmarshalPublicParams parses the output of PublicParams.Marshal.
func UnmarshalPublicParams(data []byte) (*PublicParams, error) {
	if len(data) != PublicParamsSize {
		return nil, ErrBadPublicParams
	}

	p := &PublicParams{v: new(bn256.GT)}
	p.g.ScalarBaseMult(big.NewInt(1))
	p.gHat.ScalarBaseMult(big.NewInt(1))

	offset := 0
	next := func(size int) []byte {
		chunk := data[offset : offset+size]
		offset += size
		return chunk
	}
	if _, ok := p.g1.Unmarshal(next(marshaledG1Size)); !ok {
		return nil, ErrBadPublicParams
	}
	if _, ok := p.h.Unmarshal(next(marshaledG1Size)); !ok {
		return nil, ErrBadPublicParams
	}
	if _, ok := p.g1Hat.Unmarshal(next(marshaledG2Size)); !ok {
		return nil, ErrBadPublicParams
	}
	if _, ok := p.hHat.Unmarshal(next(marshaledG2Size)); !ok {
		return nil, ErrBadPublicParams
	}
	if _, ok := p.v.Unmarshal(next(marshaledGTSize)); !ok {
		return nil, ErrBadPublicParams
	}
	p.encoded = bytes.Clone(data)
	return p, nil
}

// Marshal encodes d0 || d1.
func (k *UserKey) Marshal() []byte {
	out := make([]byte, 0, UserKeySize)
	out = append(out, k.d0.Marshal()...)
	out = append(out, k.d1.Marshal()...)
	return out
}

// UnmarshalUserKey parses the output of UserKey.Marshal.
func UnmarshalUserKey(data []byte) (*UserKey, error) {
	if len(data) != UserKeySize {
		return nil, ErrBadUserKey
	}
	k := new(UserKey)
	if _, ok := k.d0.Unmarshal(data[:marshaledG2Size]); !ok {
		return nil, ErrBadUserKey
	}
	if _, ok := k.d1.Unmarshal(data[marshaledG2Size:]); !ok {
		return nil, ErrBadUserKey
	}
	return k, nil
}
