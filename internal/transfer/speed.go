package transfer

import "time"

// speedMeter calcula el throughput sobre una ventana deslizante de muestras
type speedMeter struct {
	window  time.Duration
	spacing time.Duration
	samples []sample
	head    int
}

type sample struct {
	at    time.Time
	bytes int64
}

func newSpeedMeter(window time.Duration) *speedMeter {
	return &speedMeter{window: window, spacing: window / 50}
}

// Add registra el total acumulado de bytes en un instante.
// Las muestras a menos de spacing se funden con la última, así la ventana
// guarda como mucho unas cien muestras sin importar cuántos chunks lleguen.
func (m *speedMeter) Add(at time.Time, total int64) {
	s := sample{at: at, bytes: total}
	if n := len(m.samples); n-m.head >= 2 && at.Sub(m.samples[n-2].at) < m.spacing {
		m.samples[n-1] = s
	} else {
		m.samples = append(m.samples, s)
	}

	// head es la última muestra en o antes del inicio de la ventana
	cutoff := at.Add(-m.window)
	for m.head+1 < len(m.samples) && !m.samples[m.head+1].at.After(cutoff) {
		m.head++
	}
	if m.head > 0 && m.head >= len(m.samples)/2 {
		m.samples = append(m.samples[:0], m.samples[m.head:]...)
		m.head = 0
	}
}

// Rate devuelve bytes por segundo entre la muestra base y la última
func (m *speedMeter) Rate() int64 {
	if len(m.samples)-m.head < 2 {
		return 0
	}
	first, last := m.samples[m.head], m.samples[len(m.samples)-1]
	elapsed := last.at.Sub(first.at)
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(last.bytes-first.bytes) / elapsed.Seconds())
}
