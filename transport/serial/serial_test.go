// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package serial

import (
	"testing"
	"time"
)

func TestWireTimings(t *testing.T) {
	tests := []struct {
		baudRate int
		charTime time.Duration
		frameGap time.Duration
	}{
		// 11 bit times per character, gap is 3.5 characters.
		{9600, 1145 * time.Microsecond, 4007500 * time.Nanosecond},
		{19200, 572 * time.Microsecond, 2002 * time.Microsecond},
		// Above 19200 the gap is fixed at 1750us.
		{115200, 750 * time.Microsecond, 1750 * time.Microsecond},
		{0, 750 * time.Microsecond, 1750 * time.Microsecond},
	}
	for _, tt := range tests {
		charTime, frameGap := wireTimings(tt.baudRate)
		if charTime != tt.charTime || frameGap != tt.frameGap {
			t.Errorf("wireTimings(%d) = %v, %v; want %v, %v",
				tt.baudRate, charTime, frameGap, tt.charTime, tt.frameGap)
		}
	}
}
