package result

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// AppendRecord writes rec as one JSON line.
func AppendRecord(w io.Writer, rec *ResultRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	return nil
}

// ReadRecords calls fn for every decodable line of r. Lines that fail to
// decode (typically a line torn by a crash mid-write) are skipped and
// counted. An error from fn stops the scan and is returned.
func ReadRecords(r io.Reader, fn func(ResultRecord) error) (skipped int, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec ResultRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		if err := fn(rec); err != nil {
			return skipped, err
		}
	}
	if err := sc.Err(); err != nil {
		return skipped, fmt.Errorf("scanning records: %w", err)
	}
	return skipped, nil
}
