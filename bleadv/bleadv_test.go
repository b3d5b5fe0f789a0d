// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bleadv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/bluetooth"

	"github.com/GermanBionicSystems/tempsys/advert"
)

func TestOptions(t *testing.T) {
	d := &Dev{opts: DefaultOpts}
	o := d.Options(advert.Encode(3, 3000, 2500), 250*time.Millisecond)

	assert.Equal(t, bluetooth.AdvertisingTypeNonConnInd, o.AdvertisementType)
	assert.Equal(t, "Tempsys", o.LocalName)
	assert.Equal(t, bluetooth.NewDuration(250*time.Millisecond), o.Interval)
	require.Len(t, o.ManufacturerData, 1)
	assert.Equal(t, uint16(0xFFFF), o.ManufacturerData[0].CompanyID)
	assert.Equal(t, []byte{0x01, 0x03, 0x0B, 0xB8, 0x09, 0xC4}, o.ManufacturerData[0].Data)
	assert.Equal(t, "bleadv{Tempsys}", d.String())
}
