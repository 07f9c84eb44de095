package api

import (
	"fmt"
	"strconv"
	"strings"

	"hfpredict/propagation"
)

const maxCommentLen = 80

// CompactComment renders the short annotation appended to a DX cluster spot:
// [0] when neither path is open, otherwise [SP:r], [LP:r] or [SP:r,LP:r],
// followed by the original comment.
func CompactComment(spRel, lpRel int, comment string) string {
	var parts []string
	if spRel != 0 {
		parts = append(parts, fmt.Sprintf("SP:%d", spRel))
	}
	if lpRel != 0 {
		parts = append(parts, fmt.Sprintf("LP:%d", lpRel))
	}
	pred := "[0]"
	if len(parts) > 0 {
		pred = "[" + strings.Join(parts, ",") + "]"
	}
	if comment == "" {
		return truncate(pred, maxCommentLen)
	}
	return truncate(strings.TrimSpace(pred+" "+comment), maxCommentLen)
}

// FullComment renders [SP:snr:rel] [LP:snr:rel] plus the comment, for the
// prediction log.
func FullComment(comment string, p propagation.Prediction) string {
	pred := fmt.Sprintf("[SP:%d:%d] [LP:%d:%d]",
		p.ShortPath.SNR, p.ShortPath.Reliability,
		p.LongPath.SNR, p.LongPath.Reliability)
	return truncate(strings.TrimSpace(pred+" "+comment), maxCommentLen)
}

// LogLine formats one prediction log entry in DX cluster announce style.
func LogLine(user, spotter, dx string, freqMHz float64, comment, timestamp string) string {
	return fmt.Sprintf("%s> DX de %s:  %s  %s  %s  %s", user, spotter, formatFreq(freqMHz), dx, comment, timestamp)
}

// formatFreq prints the shortest exact form and always keeps one decimal.
func formatFreq(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
