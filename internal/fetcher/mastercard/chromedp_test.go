package mastercard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fx-rate-archiver/internal/archive"
)

func TestParseConversion(t *testing.T) {
	t.Parallel()
	req := request(2)

	obs, err := parseConversion(req, []byte(`{"data":{"conversionRate":"83.0614","crdhldBillAmt":83.06}}`))
	require.NoError(t, err)
	assert.Equal(t, archive.ProviderMastercard, obs.Provider)
	assert.Equal(t, "83.0614", obs.Rate.String())
	assert.False(t, obs.Markup.Valid)
	assert.Equal(t, req.Date, obs.Date)

	_, err = parseConversion(req, []byte(`{"type":"error","data":{"errorCode":"104"}}`))
	assert.ErrorIs(t, err, archive.ErrNotFound)

	_, err = parseConversion(req, []byte(`{"data":{}}`))
	assert.ErrorIs(t, err, archive.ErrInvalidResponse)

	_, err = parseConversion(req, []byte(`<html>blocked</html>`))
	assert.ErrorIs(t, err, archive.ErrInvalidResponse)
}

func TestInterceptorDeliversMatchingResponse(t *testing.T) {
	t.Parallel()

	i := newInterceptor(DefaultAPIPath, func(id network.RequestID) ([]byte, error) {
		return []byte("body-" + string(id)), nil
	})

	// Events before arm are ignored.
	i.handle(&network.EventResponseReceived{RequestID: "0", Response: &network.Response{URL: "https://x" + DefaultAPIPath, Status: 200}})
	i.handle(&network.EventLoadingFinished{RequestID: "0"})

	ch := i.arm()
	i.handle(&network.EventResponseReceived{RequestID: "1", Response: &network.Response{URL: "https://x/other.js", Status: 200}})
	i.handle(&network.EventLoadingFinished{RequestID: "1"})
	i.handle(&network.EventResponseReceived{RequestID: "2", Response: &network.Response{URL: "https://x" + DefaultAPIPath + "?fxDate=2024-01-02", Status: 403}})
	i.handle(&network.EventLoadingFinished{RequestID: "2"})

	select {
	case c := <-ch:
		require.NoError(t, c.err)
		assert.Equal(t, 403, c.status)
		assert.Equal(t, "body-2", string(c.body))
	case <-time.After(time.Second):
		t.Fatal("no capture delivered")
	}
	i.disarm()
}

func TestInterceptorLoadingFailed(t *testing.T) {
	t.Parallel()

	i := newInterceptor(DefaultAPIPath, func(network.RequestID) ([]byte, error) {
		return nil, errors.New("unexpected fetch")
	})
	ch := i.arm()
	i.handle(&network.EventResponseReceived{RequestID: "7", Response: &network.Response{URL: DefaultAPIPath, Status: 200}})
	i.handle(&network.EventLoadingFailed{RequestID: "7", ErrorText: "net::ERR_ABORTED"})

	c := <-ch
	assert.EqualError(t, c.err, "net::ERR_ABORTED")
}

func TestFormActionsSkipEmptySelectors(t *testing.T) {
	t.Parallel()

	s := &chromeSession{cfg: Config{DateLayout: "2006-01-02"}}
	assert.Empty(t, s.formActions(request(1)))

	s.cfg.Form = FormSelectors{
		SourceCurrency: "#src",
		TargetCurrency: "#dst",
		Amount:         "#amount",
		Date:           "#date",
		Submit:         "#go",
	}
	assert.Len(t, s.formActions(request(1)), 6)
}

func TestChromeDriverOptions(t *testing.T) {
	t.Parallel()

	d := NewChromeDriver(Config{Headless: true, UserAgent: "ua", ChromePath: "/usr/bin/chromium"}, nil)
	base := NewChromeDriver(Config{Headless: true}, nil)
	assert.Len(t, d.allocatorOptions(), len(base.allocatorOptions())+2)
	assert.Equal(t, DefaultFormURL, d.cfg.FormURL)
}

func TestForwardCancel(t *testing.T) {
	t.Parallel()

	parent, cancelParent := context.WithCancel(context.Background())
	child, cancelChild := context.WithCancel(context.Background())
	defer cancelChild()

	stop := forwardCancel(parent, cancelChild)
	defer stop()
	cancelParent()

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel not forwarded")
	}
}
