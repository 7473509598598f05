package webrtc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

// SampleSource yields encoded samples in presentation order.
type SampleSource interface {
	NextSample() (media.Sample, error)
	Close() error
}

// defaultFrameDuration paces sources that carry no timing of their own.
const defaultFrameDuration = 20 * time.Millisecond

// opusSilence is the Opus comfort-noise frame for 20ms of silence.
type opusSilence struct{}

var silenceFrame = []byte{0xf8, 0xff, 0xfe}

func newOpusSilence() *opusSilence { return &opusSilence{} }

func (opusSilence) NextSample() (media.Sample, error) {
	return media.Sample{Data: silenceFrame, Duration: defaultFrameDuration}, nil
}

func (opusSilence) Close() error { return nil }

type ivfSource struct {
	path string
	loop bool

	file          *os.File
	reader        *ivfreader.IVFReader
	frameDuration time.Duration
}

func openIVF(path string, loop bool) (*ivfSource, error) {
	s := &ivfSource{path: path, loop: loop}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ivfSource) open() error {
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open video source: %w", err)
	}
	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("read ivf header %s: %w", s.path, err)
	}
	if header.FourCC != "VP80" {
		file.Close()
		return fmt.Errorf("%s: unsupported codec %q", s.path, header.FourCC)
	}

	s.file, s.reader = file, reader
	s.frameDuration = defaultFrameDuration
	if header.TimebaseDenominator > 0 {
		s.frameDuration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}
	return nil
}

func (s *ivfSource) NextSample() (media.Sample, error) {
	frame, _, err := s.reader.ParseNextFrame()
	if errors.Is(err, io.EOF) && s.loop {
		s.file.Close()
		if err := s.open(); err != nil {
			return media.Sample{}, err
		}
		frame, _, err = s.reader.ParseNextFrame()
	}
	if err != nil {
		return media.Sample{}, err
	}
	return media.Sample{Data: frame, Duration: s.frameDuration}, nil
}

func (s *ivfSource) Close() error {
	return s.file.Close()
}

// oggSource reads Opus pages; each page's duration comes from the granule
// position delta at 48kHz.
type oggSource struct {
	path string
	loop bool

	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func openOgg(path string, loop bool) (*oggSource, error) {
	s := &oggSource{path: path, loop: loop}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *oggSource) open() error {
	file, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open audio source: %w", err)
	}
	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return fmt.Errorf("read ogg header %s: %w", s.path, err)
	}
	s.file, s.reader, s.lastGranule = file, reader, 0
	return nil
}

func (s *oggSource) NextSample() (media.Sample, error) {
	page, header, err := s.reader.ParseNextPage()
	if errors.Is(err, io.EOF) && s.loop {
		s.file.Close()
		if err := s.open(); err != nil {
			return media.Sample{}, err
		}
		page, header, err = s.reader.ParseNextPage()
	}
	if err != nil {
		return media.Sample{}, err
	}

	duration := defaultFrameDuration
	if header.GranulePosition > s.lastGranule {
		samples := header.GranulePosition - s.lastGranule
		duration = time.Duration(float64(samples) / 48000 * float64(time.Second))
	}
	s.lastGranule = header.GranulePosition
	return media.Sample{Data: page, Duration: duration}, nil
}

func (s *oggSource) Close() error {
	return s.file.Close()
}
