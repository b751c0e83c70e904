package signal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHeader(action Action) Header {
	return Header{
		Action:       action,
		MasterID:     "master-1",
		MasterLogin:  111222,
		MasterTicket: 987654,
		Symbol:       "XAUUSD",
		EmittedAt:    time.Unix(1735689600, 250_000_000).UTC(),
	}
}

func TestOpenRoundTrip(t *testing.T) {
	in := Open{
		Header:       testHeader(ActionOpen),
		Side:         Sell,
		Volume:       0.5,
		Price:        2650.25,
		SL:           2660,
		TP:           2600,
		OpenTime:     time.Unix(1735689500, 0).UTC(),
		MasterEquity: 10000,
	}
	payload, err := in.Encode()
	require.NoError(t, err)

	// Ticket travels as a string on the wire.
	var raw map[string]any
	require.NoError(t, json.Unmarshal(payload, &raw))
	assert.Equal(t, "987654", raw["ticket"])
	assert.Equal(t, "OPEN", raw["action"])

	out, err := Decode(payload)
	require.NoError(t, err)
	open, ok := out.(Open)
	require.True(t, ok)
	assert.Equal(t, in.MasterTicket, open.MasterTicket)
	assert.Equal(t, in.MasterLogin, open.MasterLogin)
	assert.Equal(t, Sell, open.Side)
	assert.Equal(t, in.Volume, open.Volume)
	assert.Equal(t, in.SL, open.SL)
	assert.Equal(t, in.TP, open.TP)
	assert.Equal(t, in.MasterEquity, open.MasterEquity)
	assert.Equal(t, in.OpenTime.Unix(), open.OpenTime.Unix())
	assert.InDelta(t, float64(in.EmittedAt.UnixNano())/1e9, float64(open.EmittedAt.UnixNano())/1e9, 1e-3)
}

func TestModifyRoundTrip(t *testing.T) {
	in := Modify{
		Header:      testHeader(ActionModify),
		SL:          2660.5,
		TP:          2590.5,
		MasterEntry: 2650.25,
	}
	payload, err := in.Encode()
	require.NoError(t, err)

	out, err := Decode(payload)
	require.NoError(t, err)
	modify, ok := out.(Modify)
	require.True(t, ok)
	assert.Equal(t, in.SL, modify.SL)
	assert.Equal(t, in.TP, modify.TP)
	assert.Equal(t, in.MasterEntry, modify.MasterEntry)
}

func TestCloseRoundTrip(t *testing.T) {
	in := Close{
		Header:    testHeader(ActionClose),
		Volume:    0.3,
		Pct:       0.6,
		Price:     2655.75,
		Profit:    165,
		CloseTime: time.Unix(1735689700, 0).UTC(),
	}
	payload, err := in.Encode()
	require.NoError(t, err)

	out, err := Decode(payload)
	require.NoError(t, err)
	cls, ok := out.(Close)
	require.True(t, ok)
	assert.Equal(t, in.Pct, cls.Pct)
	assert.Equal(t, in.Volume, cls.Volume)
	assert.Equal(t, in.Profit, cls.Profit)
	assert.Equal(t, in.CloseTime.Unix(), cls.CloseTime.Unix())
}

func TestDecodeStringNumerics(t *testing.T) {
	// Other emitters encode tickets and timestamps as strings.
	payload := []byte(`{"action":"CLOSE","masterId":"m1","ticket":"555","symbol":"EURUSD","pct":1.0,"timestamp":"1735689600.5"}`)
	out, err := Decode(payload)
	require.NoError(t, err)
	cls := out.(Close)
	assert.Equal(t, int64(555), cls.MasterTicket)
	assert.Equal(t, 1.0, cls.Pct)
	assert.Equal(t, int64(1735689600), cls.EmittedAt.Unix())
}

func TestDecodeRejectsBadPayloads(t *testing.T) {
	_, err := Decode([]byte(`{"action":"NUKE","masterId":"m1","ticket":"1","timestamp":1}`))
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = Decode([]byte(`{"action":"OPEN","ticket":"1","timestamp":1}`))
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Decode([]byte(`{"action":"OPEN","masterId":"m1","timestamp":1}`))
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = Decode([]byte(`{"action":"OPEN","masterId":"m1","ticket":"1","timestamp":1}`))
	assert.ErrorIs(t, err, ErrMissingField) // OPEN without a side

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestStaleness(t *testing.T) {
	now := time.Now().UTC()
	fresh := Header{EmittedAt: now.Add(-MaxAge + time.Second)}
	assert.False(t, fresh.Stale(now))

	stale := Header{EmittedAt: now.Add(-MaxAge - time.Second)}
	assert.True(t, stale.Stale(now))
}

func TestSideInverted(t *testing.T) {
	assert.Equal(t, Sell, Buy.Inverted())
	assert.Equal(t, Buy, Sell.Inverted())
}
