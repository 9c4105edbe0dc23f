package srs

import (
	"fmt"
	"io"
	"path/filepath"

	"example.com/rescene/internal/checksum"
	"example.com/rescene/internal/container"
	"example.com/rescene/internal/ebml"
)

// frames splits block data into its laced frames and calls fn with each
// frame and its absolute offset.
func frames(e *ebml.Element, data []byte, fn func(frame []byte, off int64) error) error {
	pos := int64(0)
	for _, n := range e.Block.FrameLengths {
		if pos+n > int64(len(data)) {
			return fmt.Errorf("block at 0x%x: frames overrun %d bytes of data", e.Offset, len(data))
		}
		if err := fn(data[pos:pos+n], e.DataOffset()+pos); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

func profileMKV(path string, d *Descriptor, opts Options) error {
	r, err := ebml.Open(path, container.ModeProfile)
	if err != nil {
		return err
	}
	defer r.Close()
	r.SetMetrics(opts.Metrics)

	sigSize := opts.signatureSize()
	crc := checksum.NewRunning()
	var current string
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		d.Metadata += int64(len(e.Header))
		crc.Write(e.Header)

		switch e.Kind {
		case ebml.KindSegment:
			if e.End() != d.File.Size {
				opts.warn("%s: file size does not appear to be correct: expected %d, found %d", path, e.End(), d.File.Size)
			}
			err = r.Descend()
		case ebml.KindCluster, ebml.KindBlockGroup, ebml.KindAttachmentList, ebml.KindAttachment:
			err = r.Descend()
		case ebml.KindAttachedFileName:
			var data []byte
			if data, err = r.ReadPayload(); err == nil {
				d.Metadata += int64(len(data))
				crc.Write(data)
				current = string(data)
				d.addAttachment(current)
			}
		case ebml.KindAttachedFileData:
			var data []byte
			if data, err = r.ReadPayload(); err == nil {
				crc.Write(data)
				d.addAttachment(current).Size = int64(len(data))
			}
		case ebml.KindBlock:
			t := d.addTrack(e.Block.Track)
			t.DataLength += e.Length
			d.Metadata += int64(len(e.Block.Raw))
			crc.Write(e.Block.Raw)
			var data []byte
			if data, err = r.ReadPayload(); err == nil {
				crc.Write(data)
				// a track starts at the beginning of a block, laces play no part
				t.grow(data, sigSize)
			}
		case ebml.KindTracks:
			var data []byte
			if data, err = r.ReadPayload(); err == nil {
				d.Metadata += e.Length
				crc.Write(data)
				d.sampleStrip, err = ebml.StrippedHeaders(data)
			}
		default:
			var data []byte
			if data, err = r.ReadPayload(); err == nil {
				d.Metadata += e.Length
				crc.Write(data)
			}
		}
		if err != nil {
			return err
		}
	}
	d.File.CRC = crc.Sum32()
	return nil
}

// reSampleElement encodes the descriptor element placed as the first child
// of the segment.
func reSampleElement(d *Descriptor) ([]byte, error) {
	body, err := d.File.MarshalBinary()
	if err != nil {
		return nil, err
	}
	payload := ebmlRecord(ebml.IDReSampleFile, body)
	for _, t := range d.Tracks {
		body, err := t.MarshalBinary()
		if err != nil {
			return nil, err
		}
		payload = append(payload, ebmlRecord(ebml.IDReSampleTrack, body)...)
	}
	return ebml.AppendElement(nil, ebml.IDReSample, payload), nil
}

func createMKV(path string, w io.Writer, d *Descriptor, opts Options) error {
	element, err := reSampleElement(d)
	if err != nil {
		return err
	}
	r, err := ebml.Open(path, container.ModeFull)
	if err != nil {
		return err
	}
	defer r.Close()
	r.SetMetrics(opts.Metrics)

	for {
		e, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := w.Write(e.Header); err != nil {
			return err
		}
		switch e.Kind {
		case ebml.KindSegment:
			if _, err = w.Write(element); err == nil {
				err = r.Descend()
			}
		case ebml.KindCluster, ebml.KindBlockGroup, ebml.KindAttachmentList, ebml.KindAttachment:
			err = r.Descend()
		case ebml.KindAttachedFileData:
			err = r.SkipPayload()
		case ebml.KindBlock:
			if _, err = w.Write(e.Block.Raw); err == nil {
				err = r.SkipPayload()
			}
		default:
			var data []byte
			if data, err = r.ReadPayload(); err == nil {
				_, err = w.Write(data)
			}
		}
		if err != nil {
			return err
		}
	}
}

// loadMKV reads the descriptor element and the names and sizes of the
// attachments that follow it.
func loadMKV(path string, d *Descriptor) error {
	r, err := ebml.Open(path, container.ModeDescriptor)
	if err != nil {
		return err
	}
	defer r.Close()
	var current string
	for {
		e, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch e.Kind {
		case ebml.KindSegment, ebml.KindReSample, ebml.KindCluster, ebml.KindBlockGroup,
			ebml.KindAttachmentList, ebml.KindAttachment:
			err = r.Descend()
		case ebml.KindReSampleFile:
			var body []byte
			if body, err = r.ReadPayload(); err == nil {
				err = d.File.UnmarshalBinary(body)
				r.SetAttachmentsStripped(d.File.HasFlag(FileFlagAttachmentsRemoved))
			}
		case ebml.KindReSampleTrack:
			var body []byte
			if body, err = r.ReadPayload(); err == nil {
				err = d.loadTrack(body)
			}
		case ebml.KindAttachedFileName:
			var data []byte
			if data, err = r.ReadPayload(); err == nil {
				current = string(data)
				d.addAttachment(current)
			}
		case ebml.KindAttachedFileData:
			d.addAttachment(current).Size = e.Length
			err = r.SkipPayload()
		case ebml.KindTracks:
			var data []byte
			if data, err = r.ReadPayload(); err == nil {
				d.sampleStrip, err = ebml.StrippedHeaders(data)
			}
		default:
			err = r.SkipPayload()
		}
		if err != nil {
			return err
		}
	}
}

// feed passes one frame to the locator. A partial match that diverges is
// dropped and the same frame is tried as the start of a new match.
func (t *Track) feed(frame []byte, off int64) {
	if t.check != nil {
		if !t.matching() {
			t.addMatch(int64(len(frame)))
			return
		}
		if t.extend(frame) {
			return
		}
	}
	t.startAt(frame, off)
}

// mainStrips reads the header stripping of the full file's tracks. A track
// list that cannot be parsed is reported and treated as unstripped.
func mainStrips(r *ebml.Reader, path string, opts Options) (map[int][]byte, error) {
	data, err := r.ReadPayload()
	if err != nil {
		return nil, err
	}
	strips, err := ebml.StrippedHeaders(data)
	if err != nil {
		opts.warn("%s: %v", path, err)
		return nil, nil
	}
	return strips, nil
}

func locateMKV(src container.Source, path string, d *Descriptor, opts Options) error {
	r := ebml.NewReader(src, path, container.ModeFull)
	r.SetMetrics(opts.Metrics)
	var strips map[int][]byte
	for {
		e, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch e.Kind {
		case ebml.KindSegment, ebml.KindCluster, ebml.KindBlockGroup:
			err = r.Descend()
		case ebml.KindTracks:
			strips, err = mainStrips(r, path, opts)
		case ebml.KindBlock:
			t := d.Track(e.Block.Track)
			rs := d.restrip(strips, e.Block.Track)
			switch {
			case t == nil || !t.HasSignature():
				err = r.SkipPayload()
			case !t.confirmed():
				var data []byte
				if data, err = r.ReadPayload(); err == nil {
					err = frames(e, data, func(frame []byte, off int64) error {
						t.feed(rs.frame(frame), off)
						return nil
					})
				}
			default:
				err = r.SkipPayload()
				if t.matchLength < t.DataLength {
					t.addMatch(e.Length + int64(len(e.Block.FrameLengths))*rs.delta())
					if d.allMatched() {
						return err
					}
				}
			}
		default:
			err = r.SkipPayload()
		}
		if err != nil {
			return err
		}
	}
}

// extractMKV copies the located track data and the stripped attachments of
// the full file into spill files. Clusters ending before the first match are
// skipped.
func extractMKV(src container.Source, path string, d *Descriptor, opts Options) error {
	start := d.firstMatch()
	stripped := d.File.HasFlag(FileFlagAttachmentsRemoved)
	base := filepath.Base(path)

	r := ebml.NewReader(src, path, container.ModeFull)
	r.SetMetrics(opts.Metrics)
	var current string
	var strips map[int][]byte
	for {
		e, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch e.Kind {
		case ebml.KindSegment, ebml.KindAttachmentList, ebml.KindAttachment, ebml.KindBlockGroup:
			err = r.Descend()
		case ebml.KindTracks:
			strips, err = mainStrips(r, path, opts)
		case ebml.KindCluster:
			if e.End() < start {
				err = r.SkipPayload()
			} else {
				err = r.Descend()
			}
		case ebml.KindAttachedFileName:
			var data []byte
			if data, err = r.ReadPayload(); err == nil {
				current = string(data)
			}
		case ebml.KindAttachedFileData:
			a := d.Attachment(current)
			if !stripped || a == nil || a.spill != nil {
				err = r.SkipPayload()
				break
			}
			var data []byte
			if data, err = r.ReadPayload(); err == nil {
				err = d.spillAttachment(a, data, opts)
			}
		case ebml.KindBlock:
			t := d.Track(e.Block.Track)
			if t == nil || t.complete() || e.End() <= t.MatchOffset {
				err = r.SkipPayload()
				break
			}
			rs := d.restrip(strips, e.Block.Track)
			var data []byte
			if data, err = r.ReadPayload(); err == nil {
				err = frames(e, data, func(frame []byte, off int64) error {
					if off < t.MatchOffset || t.complete() {
						return nil
					}
					return d.spillTrack(t, rs.frame(frame), base, opts)
				})
			}
		default:
			err = r.SkipPayload()
		}
		if err != nil {
			return err
		}
		if d.tracksComplete() && (!stripped || d.attachmentsComplete()) {
			return nil
		}
	}
}

func rebuildMKV(path string, w io.Writer, d *Descriptor, opts Options) error {
	stripped := d.File.HasFlag(FileFlagAttachmentsRemoved)
	r, err := ebml.Open(path, container.ModeDescriptor)
	if err != nil {
		return err
	}
	defer r.Close()
	r.SetMetrics(opts.Metrics)
	r.SetAttachmentsStripped(stripped)

	var current string
	for {
		e, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if e.Kind == ebml.KindReSample {
			if err := r.SkipPayload(); err != nil {
				return err
			}
			continue
		}
		if _, err := w.Write(e.Header); err != nil {
			return err
		}
		switch e.Kind {
		case ebml.KindSegment, ebml.KindCluster, ebml.KindBlockGroup, ebml.KindAttachmentList, ebml.KindAttachment:
			err = r.Descend()
		case ebml.KindAttachedFileName:
			var data []byte
			if data, err = r.ReadPayload(); err == nil {
				current = string(data)
				_, err = w.Write(data)
			}
		case ebml.KindAttachedFileData:
			if !stripped {
				var data []byte
				if data, err = r.ReadPayload(); err == nil {
					_, err = w.Write(data)
				}
				break
			}
			if err = copyAttachment(w, d.Attachment(current), current, e.Length); err == nil {
				err = r.SkipPayload()
			}
		case ebml.KindBlock:
			if _, err = w.Write(e.Block.Raw); err != nil {
				break
			}
			if err = copyTrack(w, d.Track(e.Block.Track), e.Block.Track, e.Length); err != nil {
				err = fmt.Errorf("block at 0x%x: %w", e.Offset, err)
				break
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
	}
}
