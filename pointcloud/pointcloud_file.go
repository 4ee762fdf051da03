package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/edaniels/golog"
	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
)

// NewFromFile returns a pointcloud read in from the given file.
func NewFromFile(fn string, logger golog.Logger) (*PointCloud, error) {
	switch filepath.Ext(fn) {
	case ".las":
		return NewFromLASFile(fn, logger)
	case ".pcd":
		return NewFromPCDFile(fn)
	default:
		return nil, errors.Errorf("do not know how to read file %q", fn)
	}
}

// NewFromPCDFile returns a pointcloud read in from the given PCD file.
func NewFromPCDFile(fn string) (pc *PointCloud, err error) {
	f, err := os.Open(filepath.Clean(fn))
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return ReadPCD(f)
}

// WriteToPCDFile writes the cloud out to a PCD file at the given path.
func WriteToPCDFile(pc *PointCloud, fn string, outputType PCDType) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return ToPCD(pc, f, outputType)
}

// NewFromLASFile returns a point cloud from reading a LAS file. Point format 2
// color data, when present, is carried over scaled to [0,1].
func NewFromLASFile(fn string, logger golog.Logger) (*PointCloud, error) {
	lf, err := lidario.NewLasFile(fn, "r")
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(lf.Close)

	positions := make([]r3.Vector, 0, lf.Header.NumberPoints)
	var colors []r3.Vector
	hasColor := lf.Header.PointFormatID == 2
	if hasColor {
		colors = make([]r3.Vector, 0, lf.Header.NumberPoints)
	}
	for i := 0; i < lf.Header.NumberPoints; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, err
		}
		data := p.PointData()
		positions = append(positions, r3.Vector{X: data.X, Y: data.Y, Z: data.Z})
		if hasColor {
			if rgb := p.RgbData(); rgb != nil {
				colors = append(colors, r3.Vector{
					X: float64(rgb.Red) / 65535.,
					Y: float64(rgb.Green) / 65535.,
					Z: float64(rgb.Blue) / 65535.,
				})
			} else {
				logger.Debugw("las point has no rgb data despite point format", "index", i)
				colors = append(colors, r3.Vector{})
			}
		}
	}
	return NewWithAttributes(positions, nil, colors)
}

func colorToPCDInt(c r3.Vector) int {
	r := int(math.Round(c.X * 255))
	g := int(math.Round(c.Y * 255))
	b := int(math.Round(c.Z * 255))
	return r<<16 | g<<8 | b
}

func pcdIntToColor(c int) r3.Vector {
	return r3.Vector{
		X: float64(0xFF&(c>>16)) / 255.,
		Y: float64(0xFF&(c>>8)) / 255.,
		Z: float64(0xFF&c) / 255.,
	}
}

func pcdFieldNames(pc *PointCloud) []string {
	fields := []string{"x", "y", "z"}
	if pc.HasNormals() {
		fields = append(fields, "normal_x", "normal_y", "normal_z")
	}
	if pc.HasColors() {
		fields = append(fields, "rgb")
	}
	return fields
}

// ToPCD writes the cloud out in PCD format. Normals and colors are written as
// the conventional normal_x/normal_y/normal_z and packed-integer rgb fields.
func ToPCD(pc *PointCloud, out io.Writer, outputType PCDType) error {
	fields := pcdFieldNames(pc)
	types := make([]string, len(fields))
	sizes := make([]string, len(fields))
	counts := make([]string, len(fields))
	for i, f := range fields {
		types[i] = "F"
		if f == "rgb" {
			types[i] = "I"
		}
		sizes[i] = "4"
		counts[i] = "1"
	}

	var err error
	_, err = fmt.Fprintf(out, "VERSION .7\n"+
		"FIELDS %s\n"+
		"SIZE %s\n"+
		"TYPE %s\n"+
		"COUNT %s\n"+
		"WIDTH %d\n"+
		"HEIGHT %d\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n",
		strings.Join(fields, " "),
		strings.Join(sizes, " "),
		strings.Join(types, " "),
		strings.Join(counts, " "),
		pc.Size(), 1, pc.Size())
	if err != nil {
		return err
	}

	switch outputType {
	case PCDAscii:
		_, err = fmt.Fprintf(out, "DATA ascii\n")
	case PCDBinary:
		_, err = fmt.Fprintf(out, "DATA binary\n")
	default:
		return errors.Errorf("unknown pcd type %d", outputType)
	}
	if err != nil {
		return err
	}
	return writePCDData(pc, out, outputType)
}

func writePCDData(pc *PointCloud, out io.Writer, pcdtype PCDType) error {
	for i := 0; i < pc.Size(); i++ {
		values := make([]float64, 0, 7)
		p := pc.Point(i)
		values = append(values, p.X, p.Y, p.Z)
		if pc.HasNormals() {
			n := pc.Normal(i)
			values = append(values, n.X, n.Y, n.Z)
		}
		var err error
		switch pcdtype {
		case PCDBinary:
			buf := make([]byte, 0, 4*(len(values)+1))
			for _, v := range values {
				buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
			}
			if pc.HasColors() {
				buf = binary.LittleEndian.AppendUint32(buf, uint32(colorToPCDInt(pc.Color(i))))
			}
			_, err = out.Write(buf)
		case PCDAscii:
			strs := make([]string, 0, len(values)+1)
			for _, v := range values {
				strs = append(strs, strconv.FormatFloat(v, 'f', -1, 32))
			}
			if pc.HasColors() {
				strs = append(strs, strconv.Itoa(colorToPCDInt(pc.Color(i))))
			}
			_, err = fmt.Fprintln(out, strings.Join(strs, " "))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type pcdHeader struct {
	fields []string
	size   []int
	width  int
	points int
	data   PCDType
}

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

func parsePCDHeader(in *bufio.Reader) (*pcdHeader, error) {
	header := &pcdHeader{}
	for _, name := range pcdHeaderFields {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrap(err, "reading pcd header")
		}
		line = strings.TrimSpace(line)
		for strings.HasPrefix(line, "#") {
			line, err = in.ReadString('\n')
			if err != nil {
				return nil, errors.Wrap(err, "reading pcd header")
			}
			line = strings.TrimSpace(line)
		}
		field, value, _ := strings.Cut(line, " ")
		if field != name {
			return nil, errors.Errorf("line is supposed to start with %s but is %q", name, line)
		}
		switch name {
		case "VERSION":
			if value != ".7" && value != "0.7" {
				return nil, errors.Errorf("unsupported pcd version %s", value)
			}
		case "FIELDS":
			header.fields = strings.Fields(value)
		case "SIZE":
			for _, tok := range strings.Fields(value) {
				s, err := strconv.Atoi(tok)
				if err != nil {
					return nil, errors.Wrapf(err, "invalid SIZE %q", tok)
				}
				header.size = append(header.size, s)
			}
			if len(header.size) != len(header.fields) {
				return nil, errors.Errorf("have %d sizes for %d fields", len(header.size), len(header.fields))
			}
			for _, s := range header.size {
				if s != 4 {
					return nil, errors.Errorf("only 4-byte pcd fields are supported, got size %d", s)
				}
			}
		case "TYPE", "COUNT", "HEIGHT", "VIEWPOINT":
			// accepted but not needed: all supported fields are scalar 4-byte values
		case "WIDTH":
			w, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid WIDTH %q", value)
			}
			header.width = w
		case "POINTS":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid POINTS %q", value)
			}
			header.points = n
		case "DATA":
			switch value {
			case "ascii":
				header.data = PCDAscii
			case "binary":
				header.data = PCDBinary
			default:
				return nil, errors.Errorf("unsupported pcd data format %q", value)
			}
		}
	}
	return header, nil
}

func (h *pcdHeader) fieldIndex(name string) int {
	for i, f := range h.fields {
		if f == name {
			return i
		}
	}
	return -1
}

// ReadPCD reads a PCD formatted cloud, picking up x/y/z plus any
// normal_x/normal_y/normal_z and rgb fields present.
func ReadPCD(in io.Reader) (*PointCloud, error) {
	buffered := bufio.NewReader(in)
	header, err := parsePCDHeader(buffered)
	if err != nil {
		return nil, err
	}
	xi := header.fieldIndex("x")
	if xi == -1 || header.fieldIndex("y") == -1 || header.fieldIndex("z") == -1 {
		return nil, errors.Errorf("pcd is missing position fields, got %v", header.fields)
	}
	ni := header.fieldIndex("normal_x")
	hasNormals := ni != -1 && header.fieldIndex("normal_y") != -1 && header.fieldIndex("normal_z") != -1
	ci := header.fieldIndex("rgb")

	positions := make([]r3.Vector, 0, header.points)
	var normals, colors []r3.Vector
	if hasNormals {
		normals = make([]r3.Vector, 0, header.points)
	}
	if ci != -1 {
		colors = make([]r3.Vector, 0, header.points)
	}

	readRow := func() ([]float64, int, error) {
		row := make([]float64, len(header.fields))
		colorValue := 0
		switch header.data {
		case PCDAscii:
			line, err := buffered.ReadString('\n')
			if err != nil {
				return nil, 0, err
			}
			tokens := strings.Fields(line)
			if len(tokens) != len(header.fields) {
				return nil, 0, errors.Errorf("expected %d values per point, got %d", len(header.fields), len(tokens))
			}
			for i, tok := range tokens {
				if i == ci {
					colorValue, err = strconv.Atoi(tok)
				} else {
					row[i], err = strconv.ParseFloat(tok, 64)
				}
				if err != nil {
					return nil, 0, err
				}
			}
		case PCDBinary:
			for i := range header.fields {
				buf := make([]byte, header.size[i])
				if _, err := io.ReadFull(buffered, buf); err != nil {
					return nil, 0, err
				}
				bits := binary.LittleEndian.Uint32(buf)
				if i == ci {
					colorValue = int(bits)
				} else {
					row[i] = float64(math.Float32frombits(bits))
				}
			}
		}
		return row, colorValue, nil
	}

	for n := 0; n < header.points; n++ {
		row, colorValue, err := readRow()
		if err != nil {
			return nil, errors.Wrapf(err, "reading pcd point %d", n)
		}
		positions = append(positions, r3.Vector{
			X: row[header.fieldIndex("x")],
			Y: row[header.fieldIndex("y")],
			Z: row[header.fieldIndex("z")],
		})
		if hasNormals {
			normals = append(normals, r3.Vector{
				X: row[header.fieldIndex("normal_x")],
				Y: row[header.fieldIndex("normal_y")],
				Z: row[header.fieldIndex("normal_z")],
			})
		}
		if ci != -1 {
			colors = append(colors, pcdIntToColor(colorValue))
		}
	}
	return NewWithAttributes(positions, normals, colors)
}
