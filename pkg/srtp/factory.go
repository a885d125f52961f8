// Copyright 2023 LiveKit, Inc.
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

package srtp

import (
	"strings"
	"sync"

	"github.com/pion/srtp/v2"
)

// Keys is the keying material of one direction, as produced by SDES or DTLS-SRTP.
type Keys struct {
	MasterKey  []byte
	MasterSalt []byte
}

type KeyFactoryParams struct {
	Keys    Keys
	Profile srtp.ProtectionProfile
	// ReplayWindow is the replay window size in packets, 0 disables replay protection.
	ReplayWindow uint
	// Control selects SRTCP contexts.
	Control bool
}

// KeyFactory derives one pion context per SSRC from a master key and salt.
type KeyFactory struct {
	params KeyFactoryParams

	lock   sync.Mutex
	closed bool
}

func NewKeyFactory(params KeyFactoryParams) (*KeyFactory, error) {
	keyLen, err := params.Profile.KeyLen()
	if err != nil {
		return nil, err
	}
	saltLen, err := params.Profile.SaltLen()
	if err != nil {
		return nil, err
	}
	if len(params.Keys.MasterKey) != keyLen || len(params.Keys.MasterSalt) != saltLen {
		return nil, ErrInvalidKeys
	}

	params.Keys = Keys{
		MasterKey:  append([]byte(nil), params.Keys.MasterKey...),
		MasterSalt: append([]byte(nil), params.Keys.MasterSalt...),
	}
	return &KeyFactory{params: params}, nil
}

func (f *KeyFactory) DeriveContext(ssrc uint32) (Context, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.closed {
		return nil, ErrFactoryClosed
	}

	var opts []srtp.ContextOption
	switch {
	case f.params.ReplayWindow == 0 && f.params.Control:
		opts = append(opts, srtp.SRTCPNoReplayProtection())
	case f.params.ReplayWindow == 0:
		opts = append(opts, srtp.SRTPNoReplayProtection())
	case f.params.Control:
		opts = append(opts, srtp.SRTCPReplayProtection(f.params.ReplayWindow))
	default:
		opts = append(opts, srtp.SRTPReplayProtection(f.params.ReplayWindow))
	}

	ctx, err := srtp.CreateContext(f.params.Keys.MasterKey, f.params.Keys.MasterSalt, f.params.Profile, opts...)
	if err != nil {
		return nil, err
	}
	return &pionContext{ssrc: ssrc, control: f.params.Control, ctx: ctx}, nil
}

// Close wipes the master key. Contexts already derived keep working.
func (f *KeyFactory) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	for i := range f.params.Keys.MasterKey {
		f.params.Keys.MasterKey[i] = 0
	}
	for i := range f.params.Keys.MasterSalt {
		f.params.Keys.MasterSalt[i] = 0
	}
	return nil
}

// ProfileNames lists the protection profiles ParseProfile accepts, in preference order.
var ProfileNames = []string{
	"SRTP_AES128_CM_HMAC_SHA1_80",
	"SRTP_AES128_CM_HMAC_SHA1_32",
	"SRTP_AEAD_AES_128_GCM",
	"SRTP_AEAD_AES_256_GCM",
}

// ParseProfile maps an RFC 5764 / RFC 7714 profile name to a pion protection profile.
func ParseProfile(name string) (srtp.ProtectionProfile, error) {
	switch strings.TrimPrefix(strings.ToUpper(name), "SRTP_") {
	case "AES128_CM_HMAC_SHA1_80", "AES_CM_128_HMAC_SHA1_80":
		return srtp.ProtectionProfileAes128CmHmacSha1_80, nil
	case "AES128_CM_HMAC_SHA1_32", "AES_CM_128_HMAC_SHA1_32":
		return srtp.ProtectionProfileAes128CmHmacSha1_32, nil
	case "AEAD_AES_128_GCM":
		return srtp.ProtectionProfileAeadAes128Gcm, nil
	case "AEAD_AES_256_GCM":
		return srtp.ProtectionProfileAeadAes256Gcm, nil
	default:
		return 0, ErrUnknownProfile
	}
}
