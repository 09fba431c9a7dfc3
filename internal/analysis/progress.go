package analysis

import (
	"fmt"
	"time"
)

// Progress represents the progress of an aggregation run
type Progress struct {
	Processed  int     // Number of chunks folded
	Total      int     // Number of chunks announced by the source
	Failed     int64   // Number of skipped pings
	Percent    float64 // Progress percentage (0-100)
	ETASeconds int     // Estimated time to completion in seconds
	Message    string  // Optional progress message
}

// ProgressFunc receives progress after every folded chunk
type ProgressFunc func(Progress)

func newProgress(processed, total int, skipped int64, started time.Time) Progress {
	p := Progress{
		Processed: processed,
		Total:     total,
		Failed:    skipped,
	}
	if total > 0 {
		p.Percent = float64(processed) / float64(total) * 100.0
		if p.Percent > 100 {
			p.Percent = 100
		}
	}

	elapsed := time.Since(started).Seconds()
	if processed > 0 && total > processed {
		p.ETASeconds = int(elapsed / float64(processed) * float64(total-processed))
	}
	p.Message = fmt.Sprintf("chunk %d/%d", processed, total)
	return p
}
