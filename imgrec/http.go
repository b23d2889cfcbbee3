package imgrec

import (
	"net/http"

	"github.com/nasa-jpl/zlock/generichttp"
)

// HTTPWrapper exposes a recorder's folder, prefix, and enable switch so they
// can be changed between sweeps.
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing
// it to be injected into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

func (h HTTPWrapper) root() (string, error) { return h.Root(), nil }

func (h HTTPWrapper) prefix() (string, error) { return h.Prefix(), nil }

func (h HTTPWrapper) enabled() (bool, error) { return h.Enabled(), nil }

func (h HTTPWrapper) last() (string, error) { return h.Last(), nil }

func (h HTTPWrapper) setPrefix(s string) error {
	h.SetPrefix(s)
	return nil
}

func (h HTTPWrapper) setEnabled(b bool) error {
	h.SetEnabled(b)
	return nil
}

// Inject adds GET and POST routes for /autowrite/root, /autowrite/prefix and
// /autowrite/enabled, and GET /autowrite/last, to the HTTPer
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = generichttp.SetString(h.SetRoot)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = generichttp.GetString(h.root)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = generichttp.SetString(h.setPrefix)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = generichttp.GetString(h.prefix)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = generichttp.SetBool(h.setEnabled)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = generichttp.GetBool(h.enabled)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/last"}] = generichttp.GetString(h.last)
}
