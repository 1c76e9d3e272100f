package hotfolder

import "github.com/prometheus/client_golang/prometheus"

var filesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "swapbooth_hotfolder_files_total",
		Help: "Hot folder files by result: processed, failed, discarded or superseded.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(filesTotal)
}
