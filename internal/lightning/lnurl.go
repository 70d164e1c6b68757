package lightning

import (
	"context"
	"fmt"
	"net/http"
	neturl "net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/civicbounty/service_layer/internal/httputil"
)

// AddressResolver resolves Lightning addresses through the LNURL-pay well-known endpoint.
type AddressResolver struct {
	client *http.Client
	// URLFor builds the well-known lookup URL for an address.
	URLFor func(user, domain string) string
}

// NewAddressResolver creates a resolver using HTTPS lookups.
func NewAddressResolver(client *http.Client) *AddressResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &AddressResolver{
		client: client,
		URLFor: func(user, domain string) string {
			return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, neturl.PathEscape(user))
		},
	}
}

// Resolve fetches a one-off invoice for amountSats from the address owner's service and
// checks that the returned invoice encodes exactly that amount.
func (r *AddressResolver) Resolve(ctx context.Context, address string, amountSats int64, comment string) (string, error) {
	at := strings.IndexByte(address, '@')
	if at <= 0 {
		return "", fmt.Errorf("%w: malformed address", ErrAddressResolution)
	}
	user, domain := strings.ToLower(address[:at]), strings.ToLower(address[at+1:])

	meta, err := r.fetchJSON(ctx, r.URLFor(user, domain))
	if err != nil {
		return "", err
	}
	if strings.EqualFold(meta.Get("status").String(), "ERROR") {
		return "", fmt.Errorf("%w: %s", ErrAddressResolution, meta.Get("reason").String())
	}
	if tag := meta.Get("tag").String(); tag != "" && tag != "payRequest" {
		return "", fmt.Errorf("%w: unexpected tag %q", ErrAddressResolution, tag)
	}

	callback := meta.Get("callback").String()
	if callback == "" {
		return "", fmt.Errorf("%w: missing callback", ErrAddressResolution)
	}

	amountMsat := amountSats * 1000
	if minSendable := meta.Get("minSendable").Int(); minSendable > 0 && amountMsat < minSendable {
		return "", fmt.Errorf("%w: amount below minimum %d msat", ErrAddressResolution, minSendable)
	}
	if maxSendable := meta.Get("maxSendable").Int(); maxSendable > 0 && amountMsat > maxSendable {
		return "", fmt.Errorf("%w: amount above maximum %d msat", ErrAddressResolution, maxSendable)
	}

	cbURL, err := neturl.Parse(callback)
	if err != nil {
		return "", fmt.Errorf("%w: bad callback url", ErrAddressResolution)
	}
	q := cbURL.Query()
	q.Set("amount", strconv.FormatInt(amountMsat, 10))
	if comment != "" && meta.Get("commentAllowed").Int() >= int64(len(comment)) {
		q.Set("comment", comment)
	}
	cbURL.RawQuery = q.Encode()

	invoiceResp, err := r.fetchJSON(ctx, cbURL.String())
	if err != nil {
		return "", err
	}
	if strings.EqualFold(invoiceResp.Get("status").String(), "ERROR") {
		return "", fmt.Errorf("%w: %s", ErrAddressResolution, invoiceResp.Get("reason").String())
	}

	pr := invoiceResp.Get("pr").String()
	decoded, err := DecodeInvoice(pr)
	if err != nil {
		return "", err
	}
	if decoded.AmountMsat != amountMsat {
		return "", fmt.Errorf("%w: resolved invoice %d msat, expected %d", ErrAmountMismatch, decoded.AmountMsat, amountMsat)
	}
	return decoded.Raw, nil
}

func (r *AddressResolver) fetchJSON(ctx context.Context, url string) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %v", ErrAddressResolution, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %v", ErrAddressResolution, err)
	}
	body, err := httputil.ReadBody(resp)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%w: %v", ErrAddressResolution, err)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%w: invalid json", ErrAddressResolution)
	}
	return gjson.ParseBytes(body), nil
}
