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

package packet

import "errors"

var (
	ErrInvalidBounds       = errors.New("offset/length outside of buffer")
	ErrShortPacket         = errors.New("packet is not large enough")
	ErrBadVersion          = errors.New("invalid RTP version")
	ErrBadHeaderLength     = errors.New("RTP header exceeds packet length")
	ErrBadPadding          = errors.New("RTP padding exceeds payload length")
	ErrInvalidExtensionID  = errors.New("invalid one-byte header extension id")
	ErrExtensionTooLarge   = errors.New("one-byte header extension data must be 1-16 bytes")
	ErrUnsupportedProfile  = errors.New("header extension profile is not one-byte")
	ErrMalformedExtensions = errors.New("malformed header extension block")
)
