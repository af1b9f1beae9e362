package transfer

// Chunk is one framed slice of a file.
type Chunk struct {
	Channel uint32
	Index   uint32
	Count   uint32
	Offset  int64
	Length  int
}

// Plan is the chunk layout of one transfer. A single-channel plan has one
// partition; a striped plan has one partition per auxiliary channel, some of
// which may be empty for small files.
type Plan struct {
	Size          int64
	ChunkSize     int
	SingleChannel bool
	Partitions    [][]Chunk
}

// PartitionLengths splits size bytes into n contiguous ranges of
// ceil(size/n) bytes, the last one shorter or empty.
func PartitionLengths(size int64, n int) []int64 {
	if n <= 0 {
		n = 1
	}
	partSize := (size + int64(n) - 1) / int64(n)
	lengths := make([]int64, n)
	for i := range lengths {
		start := min(int64(i)*partSize, size)
		end := min(start+partSize, size)
		lengths[i] = end - start
	}
	return lengths
}

// NewPlan lays out size bytes. channels is ignored for single-channel plans.
func NewPlan(size int64, chunkSize, channels int, singleChannel bool) Plan {
	plan := Plan{Size: size, ChunkSize: chunkSize, SingleChannel: singleChannel}
	if singleChannel {
		plan.Partitions = [][]Chunk{partitionChunks(0, 0, size, chunkSize)}
		return plan
	}

	var offset int64
	for i, length := range PartitionLengths(size, channels) {
		plan.Partitions = append(plan.Partitions, partitionChunks(uint32(i), offset, length, chunkSize))
		offset += length
	}
	return plan
}

// Chunk looks up the chunk at (channel, index).
func (p Plan) Chunk(channel, index uint32) (Chunk, bool) {
	if int(channel) >= len(p.Partitions) {
		return Chunk{}, false
	}
	part := p.Partitions[channel]
	if int(index) >= len(part) {
		return Chunk{}, false
	}
	return part[index], true
}

// TotalChunks counts chunks across all partitions.
func (p Plan) TotalChunks() int {
	total := 0
	for _, part := range p.Partitions {
		total += len(part)
	}
	return total
}

func partitionChunks(channel uint32, offset, length int64, chunkSize int) []Chunk {
	count := chunkCount(length, chunkSize)
	chunks := make([]Chunk, count)
	for i := range chunks {
		start := int64(i) * int64(chunkSize)
		chunks[i] = Chunk{
			Channel: channel,
			Index:   uint32(i),
			Count:   uint32(count),
			Offset:  offset + start,
			Length:  int(min(int64(chunkSize), length-start)),
		}
	}
	return chunks
}

func chunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}
