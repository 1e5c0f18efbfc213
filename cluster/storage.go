package cluster

import (
	"bufio"
	"io"
	"os"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/zstd"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	snapshotMagic   = 0x43534d46 // "FMSC"
	snapshotVersion = 1
)

// SaveCompressed writes the built index to filename as a zstd stream.
func (sc *Supercluster) SaveCompressed(filename string) error {
	if len(sc.Levels) == 0 {
		return eris.Wrap(ErrEmptyIndex, "cluster: save snapshot")
	}

	file, err := os.Create(filename)
	if err != nil {
		return eris.Wrap(err, "cluster: create snapshot file")
	}
	defer file.Close()

	bufWriter := bufio.NewWriterSize(file, 1024*1024)
	enc, err := zstd.NewWriter(bufWriter, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		return eris.Wrap(err, "cluster: create zstd writer")
	}

	if _, err := enc.Write(sc.encodeSnapshot()); err != nil {
		enc.Close()
		return eris.Wrap(err, "cluster: write snapshot")
	}
	if err := enc.Close(); err != nil {
		return eris.Wrap(err, "cluster: close encoder")
	}
	if err := bufWriter.Flush(); err != nil {
		return eris.Wrap(err, "cluster: flush snapshot")
	}
	return nil
}

func (sc *Supercluster) encodeSnapshot() []byte {
	w := &snapshotWriter{}
	w.WriteUint32(snapshotMagic)
	w.WriteUint32(snapshotVersion)

	w.WriteInt32(int32(sc.Options.MinZoom))
	w.WriteInt32(int32(sc.Options.MaxZoom))
	w.WriteInt32(int32(sc.Options.MinPoints))
	w.WriteFloat64(sc.Options.Radius)
	w.WriteInt32(int32(sc.Options.NodeSize))
	w.WriteInt32(int32(sc.Options.Extent))

	w.WriteUint32(uint32(len(sc.Points)))
	for _, p := range sc.Points {
		w.WriteString(p.LocationID)
		w.WriteFloat64(p.X)
		w.WriteFloat64(p.Y)
	}

	minZoom, maxZoom := sc.ZoomBounds()
	for z := minZoom; z <= maxZoom; z++ {
		nodes := sc.Levels[z].Nodes
		w.WriteUint32(uint32(len(nodes)))
		for _, n := range nodes {
			w.WriteFloat64(n.X)
			w.WriteFloat64(n.Y)
			w.WriteInt32(n.Zoom)
			w.WriteUint32(n.ID)
			w.WriteInt64(n.ParentID)
			w.WriteUint32(n.NumPoints)
			if n.IsCluster {
				w.WriteUint8(1)
			} else {
				w.WriteUint8(0)
			}
		}
	}
	return w.data
}

// LoadCompressedSupercluster reads an index written by SaveCompressed. The
// KD-trees are rebuilt from the stored levels.
func LoadCompressedSupercluster(filename string) (*Supercluster, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, eris.Wrap(err, "cluster: open snapshot")
	}
	defer file.Close()

	dec, err := zstd.NewReader(bufio.NewReaderSize(file, 1024*1024))
	if err != nil {
		return nil, eris.Wrap(err, "cluster: create zstd reader")
	}
	defer dec.Close()

	data, err := io.ReadAll(dec)
	if err != nil {
		return nil, eris.Wrap(err, "cluster: decompress snapshot")
	}
	return decodeSnapshot(data)
}

// LoadMappedSupercluster is LoadCompressedSupercluster over a memory-mapped
// file, avoiding a buffered copy of the compressed bytes.
func LoadMappedSupercluster(filename string) (*Supercluster, error) {
	start := time.Now()
	file, err := os.Open(filename)
	if err != nil {
		return nil, eris.Wrap(err, "cluster: open snapshot")
	}
	defer file.Close()

	m, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, eris.Wrap(err, "cluster: map snapshot")
	}
	defer m.Unmap()

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, eris.Wrap(err, "cluster: create zstd reader")
	}
	defer dec.Close()

	data, err := dec.DecodeAll(m, nil)
	if err != nil {
		return nil, eris.Wrap(err, "cluster: decompress snapshot")
	}

	sc, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("cluster: snapshot mapped",
		zap.String("file", filename),
		zap.Int("points", len(sc.Points)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sc, nil
}

func decodeSnapshot(data []byte) (*Supercluster, error) {
	r := &snapshotReader{data: data}
	if magic := r.ReadUint32(); magic != snapshotMagic {
		return nil, eris.Errorf("cluster: not a snapshot (magic %#x)", magic)
	}
	if version := r.ReadUint32(); version != snapshotVersion {
		return nil, eris.Errorf("cluster: unsupported snapshot version %d", version)
	}

	var options SuperclusterOptions
	options.MinZoom = int(r.ReadInt32())
	options.MaxZoom = int(r.ReadInt32())
	options.MinPoints = int(r.ReadInt32())
	options.Radius = r.ReadFloat64()
	options.NodeSize = int(r.ReadInt32())
	options.Extent = int(r.ReadInt32())
	if r.err != nil {
		return nil, eris.Wrap(r.err, "cluster: read snapshot options")
	}

	sc := NewSupercluster(options)
	if sc.Options != options {
		return nil, eris.Errorf("cluster: snapshot options out of range: %+v", options)
	}

	numPoints := r.ReadUint32()
	if r.err != nil || int(numPoints) > len(data) {
		return nil, eris.Wrap(errShortSnapshot, "cluster: read point count")
	}
	points := make([]Point, numPoints)
	for i := range points {
		points[i].LocationID = r.ReadString()
		points[i].X = r.ReadFloat64()
		points[i].Y = r.ReadFloat64()
	}
	if r.err != nil {
		return nil, eris.Wrap(r.err, "cluster: read snapshot points")
	}
	sc.Points = points

	sc.Levels = make([]*level, options.MaxZoom+2)
	minZoom, maxZoom := sc.ZoomBounds()
	for z := minZoom; z <= maxZoom; z++ {
		numNodes := r.ReadUint32()
		if r.err != nil || int(numNodes) > len(data) {
			return nil, eris.Wrapf(errShortSnapshot, "cluster: read level %d size", z)
		}
		nodes := make([]levelNode, numNodes)
		for i := range nodes {
			nodes[i] = levelNode{
				X:         r.ReadFloat64(),
				Y:         r.ReadFloat64(),
				Zoom:      r.ReadInt32(),
				ID:        r.ReadUint32(),
				ParentID:  r.ReadInt64(),
				NumPoints: r.ReadUint32(),
				IsCluster: r.ReadUint8() == 1,
			}
		}
		if r.err != nil {
			return nil, eris.Wrapf(r.err, "cluster: read level %d", z)
		}
		sc.Levels[z] = newLevel(nodes, options.NodeSize)
	}
	return sc, nil
}
