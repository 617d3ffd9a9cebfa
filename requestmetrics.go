package ozhost

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/One-com/gone/log"
	"github.com/One-com/gone/metric"

	"github.com/One-com/gone/http/handlers/accesslog"
	"github.com/One-com/gone/http/rrwriter"
)

var (
	exactCodeSpec = regexp.MustCompile(`^\d\d\d$`)
	rangeCodeSpec = regexp.MustCompile(`^\d[xX]{2}$`)
)

type meter interface {
	Measure(status int, size int64)
}

type statusMeter struct {
	test  func(code int) bool
	meter *metric.Counter
}

func (m *statusMeter) Measure(status int, size int64) {
	if m.test(status) {
		m.meter.Inc(1)
	}
}

type sizeMeter struct {
	meter metric.Histogram
}

func (m *sizeMeter) Measure(status int, size int64) {
	m.meter.Sample(size)
}

// meters measures a completed request with every meter in the set.
type meters []meter

func (ms meters) Measure(status int, size int64) {
	for _, m := range ms {
		m.Measure(status, size)
	}
}

// make a function testing status code for exact value
func exactCodeTest(val int) func(int) bool {
	return func(code int) bool {
		return val == code
	}
}

// make a function testing status code for being in range.
// val is 100,200,300....
func rangeCodeTest(val int) func(int) bool {
	return func(code int) bool {
		diff := code - val
		return diff >= 0 && diff < 100
	}
}

// newMeters registers the metrics named by spec, a "," separated list of
// status codes ("404"), status classes ("5XX") and "size".
// Unknown entries are logged and skipped.
func newMeters(name, spec string) meters {

	var ms meters

	for _, spc := range strings.Split(spec, ",") {
		spc = strings.TrimSpace(spc)
		switch {
		case spc == "":
		case spc == "size":
			log.DEBUG("Creating size metric", "name", name)
			ms = append(ms, &sizeMeter{meter: metric.RegisterHistogram(name + ".resp-size")})
		case exactCodeSpec.MatchString(spc):
			i, _ := strconv.Atoi(spc)
			log.DEBUG("Creating status metric", "name", name, "code", spc)
			meter := metric.RegisterCounter(name + ".code." + spc)
			ms = append(ms, &statusMeter{test: exactCodeTest(i), meter: meter})
		case rangeCodeSpec.MatchString(spc):
			i, _ := strconv.Atoi(spc[0:1])
			log.DEBUG("Creating status metric", "name", name, "code", spc)
			meter := metric.RegisterCounter(name + ".code." + strings.ToUpper(spc))
			ms = append(ms, &statusMeter{test: rangeCodeTest(i * 100), meter: meter})
		default:
			log.WARN("Ignoring unknown metric spec", "name", name, "spec", spc)
		}
	}
	return ms
}

// Creates an accesslog.AuditFunction based on the provided metrics spec, which
// increments metrics counters
func metricsFunction(name, spec string) accesslog.AuditFunction {
	ms := newMeters(name, spec)
	return accesslog.AuditFunction(func(rec rrwriter.RecordingResponseWriter) {
		ms.Measure(rec.Status(), int64(rec.Size()))
	})
}
