package vrf

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
)

// shamir3Pass holds the configured commutative-encryption parameters. The
// scheme works over exponentiation modulo a shared prime: either party's
// layer can be removed independently because exponents commute.
type shamir3Pass struct {
	prime     *big.Int
	relayURLs []string
}

func newShamir3Pass(cfg Shamir3PassConfig) (*shamir3Pass, error) {
	prime, ok := new(big.Int).SetString(cfg.PrimeHex, 16)
	if !ok {
		return nil, errors.New("shamir 3-pass prime is not valid hex")
	}
	if prime.BitLen() < 256 {
		return nil, fmt.Errorf("shamir 3-pass prime too small: %d bits", prime.BitLen())
	}
	if !prime.ProbablyPrime(32) {
		return nil, errors.New("shamir 3-pass modulus is not prime")
	}

	if len(cfg.RelayURLs) == 0 {
		return nil, errors.New("shamir 3-pass requires at least one relay route")
	}
	for _, raw := range cfg.RelayURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid relay route %q", raw)
		}
	}

	return &shamir3Pass{prime: prime, relayURLs: cfg.RelayURLs}, nil
}

// newKey picks a random exponent invertible modulo p-1 so the layer can be
// removed later.
func (s *shamir3Pass) newKey() (*big.Int, error) {
	pMinus1 := new(big.Int).Sub(s.prime, big.NewInt(1))
	one := big.NewInt(1)

	for attempts := 0; attempts < 128; attempts++ {
		e, err := rand.Int(rand.Reader, pMinus1)
		if err != nil {
			return nil, err
		}
		if e.Cmp(one) <= 0 {
			continue
		}
		if new(big.Int).GCD(nil, nil, e, pMinus1).Cmp(one) == 0 {
			return e, nil
		}
	}
	return nil, errors.New("could not find invertible exponent")
}

// encrypt applies one commutative layer: value^key mod p. When no key is
// supplied a fresh one is generated and returned for the caller to retain.
func (s *shamir3Pass) encrypt(params Shamir3PassParams) (Shamir3PassResult, error) {
	value, ok := new(big.Int).SetString(params.ValueHex, 16)
	if !ok {
		return Shamir3PassResult{}, errors.New("shamir 3-pass value is not valid hex")
	}
	if value.Cmp(s.prime) >= 0 {
		return Shamir3PassResult{}, errors.New("shamir 3-pass value exceeds modulus")
	}

	var key *big.Int
	if params.KeyHex != "" {
		if key, ok = new(big.Int).SetString(params.KeyHex, 16); !ok {
			return Shamir3PassResult{}, errors.New("shamir 3-pass key is not valid hex")
		}
	} else {
		var err error
		if key, err = s.newKey(); err != nil {
			return Shamir3PassResult{}, err
		}
	}

	encrypted := new(big.Int).Exp(value, key, s.prime)
	return Shamir3PassResult{
		ValueHex: encrypted.Text(16),
		KeyHex:   key.Text(16),
	}, nil
}

// decrypt removes a layer previously applied with the given key.
func (s *shamir3Pass) decrypt(params Shamir3PassParams) (Shamir3PassResult, error) {
	value, ok := new(big.Int).SetString(params.ValueHex, 16)
	if !ok {
		return Shamir3PassResult{}, errors.New("shamir 3-pass value is not valid hex")
	}
	key, ok := new(big.Int).SetString(params.KeyHex, 16)
	if !ok {
		return Shamir3PassResult{}, errors.New("shamir 3-pass key is not valid hex")
	}

	pMinus1 := new(big.Int).Sub(s.prime, big.NewInt(1))
	inverse := new(big.Int).ModInverse(key, pMinus1)
	if inverse == nil {
		return Shamir3PassResult{}, errors.New("shamir 3-pass key is not invertible")
	}

	decrypted := new(big.Int).Exp(value, inverse, s.prime)
	return Shamir3PassResult{ValueHex: decrypted.Text(16)}, nil
}
