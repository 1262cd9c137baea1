package parts

const (
	// MaxPartCount is the part count a transfer may use without extended limits.
	MaxPartCount = 4000

	// MaxPartCountPremium is the absolute part count ceiling.
	MaxPartCountPremium = 8000

	// MaxPartSize is the largest part size chosen automatically.
	MaxPartSize = 512 << 10

	// MaxFileSize is the largest file the engine agrees to transfer (4000 MiB).
	MaxFileSize = int64(MaxPartCountPremium) * MaxPartSize

	// minKnownPartSize and minUnknownPartSize are the starting points of the
	// automatic part size search.
	minKnownPartSize   = 64 << 10
	minUnknownPartSize = 32 << 10

	// unknownSizeLookahead is added to the lower size bound of a file with
	// unknown size when estimating how much is still to come.
	unknownSizeLookahead = 512 << 10

	// unlimitedPartSlack is the extra part allowance for unknown-size
	// transfers that do not enforce the part count limit.
	unlimitedPartSlack = 64
)

func calcPartCount(size, partSize int64) int64 {
	return (size + partSize - 1) / partSize
}
