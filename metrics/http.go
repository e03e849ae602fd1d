package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emailsec/selftestd/mlog"
)

// Serve starts an HTTP listener for prometheus scraping on addr, in its own
// goroutine. Meant for an internal, non-public address.
func Serve(addr string) {
	log := mlog.New("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Print("metrics listener", mlog.Field("addr", addr))
		err := http.ListenAndServe(addr, mux)
		log.Fatalx("metrics listener", err, mlog.Field("addr", addr))
	}()
}
