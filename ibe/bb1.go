// Copyright 2015 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ibe implements the Boneh-Boyen BB1 identity-based key encapsulation
// used to encrypt every key server's share to an identity.
//
// The scheme follows Section 4.3 of "Efficient Selective Identity-Based
// Encryption Without Random Oracles" (Boneh, Boyen). The paper uses
// multiplicative notation while bn256 groups are additive: g^i in the
// comments corresponds to G1.ScalarBaseMult(i) in the code.
//
// golang.org/x/crypto/bn256 is frozen upstream; it is kept here because its
// API and wire encodings are stable.
package ibe

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/bn256"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrBadEncapsulation = errors.New("invalid encapsulation")
	ErrBadPublicParams  = errors.New("invalid public parameters")
	ErrBadUserKey       = errors.New("invalid user key")
)

const (
	marshaledG1Size = 64
	marshaledG2Size = 128
	marshaledGTSize = 384

	// EncapsulationSize is the size of B || C1.
	EncapsulationSize = 2 * marshaledG1Size
	// PublicParamsSize is the size of g1 || h || g1Hat || hHat || v.
	PublicParamsSize = 2*marshaledG1Size + 2*marshaledG2Size + marshaledGTSize
	// UserKeySize is the size of d0 || d1.
	UserKeySize = 2 * marshaledG2Size
	// MinSeedSize is the minimum seed length accepted by NewMasterKeyFromSeed.
	MinSeedSize = 32
)

// MasterKey is a key server's master secret together with its public params.
type MasterKey struct {
	params *PublicParams
	g0Hat  bn256.G2
}

// PublicParams are the public parameters clients encrypt to.
type PublicParams struct {
	g, g1, h          bn256.G1
	gHat, g1Hat, hHat bn256.G2
	v                 *bn256.GT

	// encoded caches Marshal: bn256 normalizes points in place when
	// marshaling, so the shared params are never marshaled after setup.
	encoded []byte
}

// UserKey is the decryption key for a single identity.
type UserKey struct {
	d0, d1 bn256.G2
}

// Setup generates a fresh master key from rand.
func Setup(rand io.Reader) (*MasterKey, error) {
	alpha, err := randomScalar(rand)
	if err != nil {
		return nil, err
	}
	beta, err := randomScalar(rand)
	if err != nil {
		return nil, err
	}
	delta, err := randomScalar(rand)
	if err != nil {
		return nil, err
	}
	return newMasterKey(alpha, beta, delta), nil
}

// NewMasterKeyFromSeed deterministically derives a master key, so a key
// server restarted with the same seed serves the same public parameters.
func NewMasterKeyFromSeed(seed []byte) (*MasterKey, error) {
	if len(seed) < MinSeedSize {
		return nil, fmt.Errorf("seed must be at least %d bytes", MinSeedSize)
	}
	return Setup(hkdf.New(sha256.New, seed, nil, []byte("seal/ibe/master/v1")))
}

func newMasterKey(alpha, beta, delta *big.Int) *MasterKey {
	var (
		m     = &MasterKey{params: new(PublicParams)}
		pk    = m.params
		g0Hat = &(m.g0Hat)
	)

	pk.g.ScalarBaseMult(big.NewInt(1))
	pk.gHat.ScalarBaseMult(big.NewInt(1))

	pk.g1.ScalarBaseMult(alpha)
	pk.g1Hat.ScalarBaseMult(alpha)

	pk.h.ScalarBaseMult(delta)
	pk.hHat.ScalarBaseMult(delta)

	// g0Hat = gHat^(alpha*beta)
	alphabeta := new(big.Int).Mul(alpha, beta)
	g0Hat.ScalarBaseMult(alphabeta.Mod(alphabeta, bn256.Order))

	pk.v = bn256.Pair(&pk.g, g0Hat)
	pk.encoded = pk.marshal()
	return m
}

func (m *MasterKey) PublicParams() *PublicParams { return m.params }

// Extract derives the user key for id: d0 = g0Hat * (g1Hat^H(id) * hHat)^r,
// d1 = gHat^r.
func (m *MasterKey) Extract(id []byte) (*UserKey, error) {
	r, err := randomScalar(rand.Reader)
	if err != nil {
		return nil, err
	}

	var (
		ret   = new(UserKey)
		d0    = new(bn256.G2)
		g1Hat = &(m.params.g1Hat)
		hHat  = &(m.params.hHat)
		i     = idToScalar(id)
	)
	d0.ScalarMult(g1Hat, i)
	d0.Add(d0, hHat)
	d0.ScalarMult(d0, r)
	ret.d0.Add(d0, &m.g0Hat)
	ret.d1.ScalarBaseMult(r)
	return ret, nil
}

// Encapsulate picks a fresh s and returns H(v^s) together with the
// encapsulation B = g^s, C1 = (g1^H(id) * h)^s.
func (p *PublicParams) Encapsulate(id []byte) ([32]byte, []byte, error) {
	s, err := randomScalar(rand.Reader)
	if err != nil {
		return [32]byte{}, nil, err
	}

	var (
		vs    bn256.GT
		b, c1 bn256.G1
	)
	vs.ScalarMult(p.v, s)
	b.ScalarBaseMult(s)
	c1.ScalarMult(&p.g1, idToScalar(id))
	c1.Add(&c1, &p.h)
	c1.ScalarMult(&c1, s)

	encapsulation := make([]byte, 0, EncapsulationSize)
	encapsulation = append(encapsulation, b.Marshal()...)
	encapsulation = append(encapsulation, c1.Marshal()...)
	if len(encapsulation) != EncapsulationSize {
		return [32]byte{}, nil, fmt.Errorf("bn256 marshaled a %d byte encapsulation, expected %d", len(encapsulation), EncapsulationSize)
	}
	return sha256.Sum256(vs.Marshal()), encapsulation, nil
}

// Decapsulate recovers H(v^s) = H(e(B, d0) / e(C1, d1)).
func (k *UserKey) Decapsulate(encapsulation []byte) ([32]byte, error) {
	if len(encapsulation) != EncapsulationSize {
		return [32]byte{}, ErrBadEncapsulation
	}
	var b, c1 bn256.G1
	if _, ok := b.Unmarshal(encapsulation[:marshaledG1Size]); !ok {
		return [32]byte{}, ErrBadEncapsulation
	}
	if _, ok := c1.Unmarshal(encapsulation[marshaledG1Size:]); !ok {
		return [32]byte{}, ErrBadEncapsulation
	}

	numerator := bn256.Pair(&b, &k.d0)
	denominator := bn256.Pair(&c1, &k.d1)
	return sha256.Sum256(numerator.Add(numerator, denominator.Neg(denominator)).Marshal()), nil
}

// VerifyUserKey checks e(g, d0) == v * e(g1^H(id) * h, d1), which holds only
// for keys extracted for id under these parameters.
func (p *PublicParams) VerifyUserKey(id []byte, k *UserKey) bool {
	if k == nil {
		return false
	}
	var q bn256.G1
	q.ScalarMult(&p.g1, idToScalar(id))
	q.Add(&q, &p.h)

	lhs := bn256.Pair(&p.g, &k.d0)
	rhs := new(bn256.GT).Add(p.v, bn256.Pair(&q, &k.d1))
	return bytes.Equal(lhs.Marshal(), rhs.Marshal())
}

// randomScalar returns an integer in [1, bn256.Order). 64 bytes are reduced
// modulo the ~256 bit order, which keeps the bias negligible and the output
// a deterministic function of the reader.
func randomScalar(r io.Reader) (*big.Int, error) {
	var buf [64]byte
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("failed to read randomness: %w", err)
		}
		k := new(big.Int).SetBytes(buf[:])
		k.Mod(k, bn256.Order)
		if k.Sign() > 0 {
			return k, nil
		}
	}
}

func idToScalar(id []byte) *big.Int {
	h := sha256.New()
	h.Write([]byte("seal/ibe/id/v1"))
	h.Write(id)
	k := new(big.Int).SetBytes(h.Sum(nil))
	return k.Mod(k, bn256.Order)
}
