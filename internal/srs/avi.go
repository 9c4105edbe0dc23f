package srs

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"

	"example.com/rescene/internal/checksum"
	"example.com/rescene/internal/container"
	"example.com/rescene/internal/riff"
)

func isMoviList(c *riff.Chunk) bool {
	return c.Kind == riff.KindList && c.ListType == "LIST" && c.FourCC == "movi"
}

// profileAVI walks a sample, filling the track descriptors and the file
// checksum of d.
func profileAVI(path string, d *Descriptor, opts Options) error {
	r, err := riff.Open(path, container.ModeProfile)
	if err != nil {
		return err
	}
	defer r.Close()
	r.SetMetrics(opts.Metrics)

	sigSize := opts.signatureSize()
	crc := checksum.NewRunning()
	for {
		c, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		d.Metadata += int64(len(c.Header))
		crc.Write(c.Header)

		if c.Kind == riff.KindList {
			if c.ListType == "RIFF" && c.End() > d.File.Size {
				opts.warn("%s: file size does not appear to be correct: expected at least %d, found %d", path, c.End(), d.File.Size)
			}
			if err := r.Descend(); err != nil {
				return err
			}
			continue
		}

		data, err := r.ReadPayload()
		if err != nil {
			return err
		}
		crc.Write(data)
		if c.Kind == riff.KindMovi {
			t := d.addTrack(c.Stream)
			t.DataLength += c.Length
			t.grow(data, sigSize)
		} else {
			d.Metadata += c.Length
		}
		if c.Padded {
			d.Metadata++
			crc.WriteByte(r.PadByte())
		}
	}
	d.File.CRC = crc.Sum32()
	return nil
}

// createAVI copies the structure of a sample to w without stream data. The
// descriptor records become the first children of the movi list.
func createAVI(path string, w io.Writer, d *Descriptor, opts Options) error {
	var records []byte
	body, err := d.File.MarshalBinary()
	if err != nil {
		return err
	}
	records = append(records, riffRecord(riff.TagFileRecord, body)...)
	for _, t := range d.Tracks {
		body, err := t.MarshalBinary()
		if err != nil {
			return err
		}
		records = append(records, riffRecord(riff.TagTrackRecord, body)...)
	}

	r, err := riff.Open(path, container.ModeFull)
	if err != nil {
		return err
	}
	defer r.Close()
	r.SetMetrics(opts.Metrics)

	for {
		c, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := w.Write(c.Header); err != nil {
			return err
		}
		if c.Kind == riff.KindList {
			if isMoviList(c) {
				if _, err := w.Write(records); err != nil {
					return err
				}
			}
			if err := r.Descend(); err != nil {
				return err
			}
			continue
		}
		if c.Kind == riff.KindMovi {
			err = r.SkipPayload()
		} else {
			var data []byte
			if data, err = r.ReadPayload(); err == nil {
				_, err = w.Write(data)
			}
		}
		if err != nil {
			return err
		}
		if c.Padded {
			if _, err := w.Write([]byte{r.PadByte()}); err != nil {
				return err
			}
		}
	}
}

// loadAVI reads the descriptor records. They precede the first stream
// chunk, so the walk stops there.
func loadAVI(path string, d *Descriptor) error {
	r, err := riff.Open(path, container.ModeDescriptor)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		c, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch c.Kind {
		case riff.KindList:
			err = r.Descend()
		case riff.KindFileRecord:
			var body []byte
			if body, err = r.ReadPayload(); err == nil {
				err = d.File.UnmarshalBinary(body)
			}
		case riff.KindTrackRecord:
			var body []byte
			if body, err = r.ReadPayload(); err == nil {
				err = d.loadTrack(body)
			}
		case riff.KindMovi:
			return nil
		default:
			err = r.SkipPayload()
		}
		if err != nil {
			return err
		}
	}
}

// scan looks for the signature anywhere in a stream chunk.
func (t *Track) scan(data []byte, off int64) {
	first := t.Signature[0]
	for from := 0; from < len(data); {
		i := bytes.IndexByte(data[from:], first)
		if i < 0 {
			return
		}
		p := from + i
		if t.startAt(data[p:], off+int64(p)) {
			return
		}
		from = p + 1
	}
}

// locateAVI streams the full file once and records where each track's data
// starts.
func locateAVI(src container.Source, path string, d *Descriptor, opts Options) error {
	r := riff.NewReader(src, path, container.ModeFull)
	r.SetMetrics(opts.Metrics)
	for {
		c, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if c.Kind == riff.KindList {
			if err := r.Descend(); err != nil {
				return err
			}
			continue
		}
		t := d.Track(c.Stream)
		if c.Kind != riff.KindMovi || t == nil || !t.HasSignature() {
			if err := r.SkipPayload(); err != nil {
				return err
			}
			continue
		}
		if !t.confirmed() {
			data, err := r.ReadPayload()
			if err != nil {
				return err
			}
			if t.check == nil || !t.extend(data) {
				t.scan(data, c.PayloadOffset())
			}
			continue
		}
		if err := r.SkipPayload(); err != nil {
			return err
		}
		if t.matchLength < t.DataLength {
			t.addMatch(c.Length)
			if d.allMatched() {
				return nil
			}
		}
	}
}

// extractAVI copies the located track data of the full file into spill
// files.
func extractAVI(src container.Source, path string, d *Descriptor, opts Options) error {
	r := riff.NewReader(src, path, container.ModeFull)
	r.SetMetrics(opts.Metrics)
	for {
		c, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if c.Kind == riff.KindList {
			if err := r.Descend(); err != nil {
				return err
			}
			continue
		}
		t := d.Track(c.Stream)
		if c.Kind != riff.KindMovi || t == nil || t.complete() || c.End() <= t.MatchOffset {
			if err := r.SkipPayload(); err != nil {
				return err
			}
			continue
		}
		data, err := r.ReadPayload()
		if err != nil {
			return err
		}
		if skip := t.MatchOffset - c.PayloadOffset(); skip > 0 {
			data = data[skip:]
		}
		if err := d.spillTrack(t, data, filepath.Base(path), opts); err != nil {
			return err
		}
		if d.tracksComplete() {
			return nil
		}
	}
}

// rebuildAVI writes the sample described by the descriptor at path to w,
// taking stream data from the spill files.
func rebuildAVI(path string, w io.Writer, d *Descriptor, opts Options) error {
	r, err := riff.Open(path, container.ModeDescriptor)
	if err != nil {
		return err
	}
	defer r.Close()
	r.SetMetrics(opts.Metrics)
	for {
		c, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if c.Kind == riff.KindFileRecord || c.Kind == riff.KindTrackRecord {
			if err := r.SkipPayload(); err != nil {
				return err
			}
			continue
		}
		if _, err := w.Write(c.Header); err != nil {
			return err
		}
		switch c.Kind {
		case riff.KindList:
			if err := r.Descend(); err != nil {
				return err
			}
			continue
		case riff.KindMovi:
			if err := copyTrack(w, d.Track(c.Stream), c.Stream, c.Length); err != nil {
				return fmt.Errorf("chunk at 0x%x: %w", c.Offset, err)
			}
			err = r.SkipPayload()
		default:
			var data []byte
			if data, err = r.ReadPayload(); err == nil {
				_, err = w.Write(data)
			}
		}
		if err != nil {
			return err
		}
		if c.Padded {
			if _, err := w.Write([]byte{r.PadByte()}); err != nil {
				return err
			}
		}
	}
}
