package bulk2

import (
	"encoding/csv"
	"sort"
	"strings"

	"github.com/ajitpratap0/sforce/pkg/sferrors"
)

// ColumnDelimiter names the CSV column separator of a job.
type ColumnDelimiter string

const (
	DelimiterBackquote ColumnDelimiter = "BACKQUOTE"
	DelimiterCaret     ColumnDelimiter = "CARET"
	DelimiterComma     ColumnDelimiter = "COMMA"
	DelimiterPipe      ColumnDelimiter = "PIPE"
	DelimiterSemicolon ColumnDelimiter = "SEMICOLON"
	DelimiterTab       ColumnDelimiter = "TAB"
)

var delimiterChars = map[ColumnDelimiter]rune{
	DelimiterBackquote: '`',
	DelimiterCaret:     '^',
	DelimiterComma:     ',',
	DelimiterPipe:      '|',
	DelimiterSemicolon: ';',
	DelimiterTab:       '\t',
}

// LineEnding names the CSV record separator of a job.
type LineEnding string

const (
	LineEndingLF   LineEnding = "LF"
	LineEndingCRLF LineEnding = "CRLF"
)

var lineEndingChars = map[LineEnding]string{
	LineEndingLF:   "\n",
	LineEndingCRLF: "\r\n",
}

// Chunk is one upload-sized piece of a CSV payload, header included.
type Chunk struct {
	Records int
	Data    string
}

// SplitCSV splits CSV data into chunks that fit the ingest size cap, keeping
// the header on every chunk. maxRecords additionally caps records per chunk;
// zero means size-bound only. A 1 MB margin is reserved under the hard cap.
func SplitCSV(data string, maxRecords int) []Chunk {
	lines := splitAfterNewlines(data)
	if len(lines) == 0 {
		return nil
	}
	header := lines[0]

	maxBytes := len(data)
	if maxBytes > MaxIngestFileSize-1024*1024 {
		maxBytes = MaxIngestFileSize - 1024*1024
	}

	var chunks []Chunk
	var buf strings.Builder
	records := 0
	bytesSize := 0

	flush := func() {
		if records > 0 {
			chunks = append(chunks, Chunk{Records: records, Data: header + buf.String()})
			buf.Reset()
		}
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if (maxRecords > 0 && records+1 > maxRecords) || bytesSize+len(line) > maxBytes {
			flush()
			records = 0
			bytesSize = 0
		}
		buf.WriteString(line)
		records++
		bytesSize += len(line)
	}
	flush()

	return chunks
}

// CountRecords counts data rows in CSV text by its line ending, excluding
// the header when skipHeader is set.
func CountRecords(data string, ending LineEnding, skipHeader bool) int {
	count := strings.Count(data, lineEndingChars[ending])
	if skipHeader {
		count--
	}
	if count < 0 {
		count = 0
	}
	return count
}

// ConvertRecords renders records as CSV with the given delimiter and line
// ending. Columns are the union of all record keys, in sorted order so output
// is deterministic.
func ConvertRecords(records []map[string]string, delimiter ColumnDelimiter, ending LineEnding) (string, error) {
	if len(records) == 0 {
		return "", nil
	}

	keySet := map[string]struct{}{}
	for _, rec := range records {
		for k := range rec {
			keySet[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf strings.Builder
	w := csv.NewWriter(&buf)
	w.Comma = delimiterChars[delimiter]
	w.UseCRLF = ending == LineEndingCRLF

	if err := w.Write(keys); err != nil {
		return "", err
	}
	row := make([]string, len(keys))
	for _, rec := range records {
		for i, k := range keys {
			row[i] = rec[k]
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	return buf.String(), w.Error()
}

// ParseRecords reads comma-delimited result CSV into records keyed by header
// column.
func ParseRecords(data string) ([]map[string]string, error) {
	if strings.TrimSpace(data) == "" {
		return nil, nil
	}

	r := csv.NewReader(strings.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, sferrors.Wrap(err, sferrors.KindBulkV2Load, "failed to parse result CSV")
	}
	if len(rows) < 2 {
		return nil, nil
	}

	header := rows[0]
	records := make([]map[string]string, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// validateIDOnlyHeader checks a delete payload's header holds a single Id
// column.
func validateIDOnlyHeader(data string, delimiter ColumnDelimiter) error {
	idx := strings.IndexAny(data, "\r\n")
	header := data
	if idx >= 0 {
		header = data[:idx]
	}
	cols := strings.Split(header, string(delimiterChars[delimiter]))
	if len(cols) != 1 {
		return sferrors.Newf(sferrors.KindBulkV2Load,
			"InvalidBatch: the delete batch must contain only ids, got columns %v", cols)
	}
	return nil
}

// filterNullBytes strips NUL bytes the query result stream occasionally
// carries.
func filterNullBytes(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// splitAfterNewlines splits text keeping the trailing newline on every line.
func splitAfterNewlines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
