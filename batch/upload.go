package batch

import (
	"github.com/gogpu/i915/bufmgr"
)

const (
	uploadSize  = 64 << 10
	uploadStage = 4 << 10
)

// Upload packs small pieces of data (vertices, constants, inline images)
// into a shared buffer object. Writes are staged in memory and copied into
// the BO in large runs; the batch finishes the upload buffer before every
// submission so the data is in place before the commands that read it.
type Upload struct {
	mgr *bufmgr.Manager
	bo  *bufmgr.BO

	offset    uint32
	stage     [uploadStage]byte
	stageLen  uint32
	stageBase uint32
}

// Data copies data into the upload buffer at the given alignment and
// returns a reference to the BO holding it and the offset of the copy. The
// caller drops the BO reference when done.
func (u *Upload) Data(data []byte, align uint32) (*bufmgr.BO, uint32, error) {
	if align == 0 {
		align = 1
	}
	size := uint32(len(data))
	base := (u.offset + align - 1) / align * align
	if u.bo == nil || uint64(base)+uint64(size) > u.bo.Size() {
		if err := u.wrap(size); err != nil {
			return nil, 0, err
		}
		base = 0
	}

	delta := base - u.offset
	if u.stageLen > 0 && u.stageLen+delta+size > uploadStage {
		if err := u.bo.SubData(uint64(u.stageBase), u.stage[:u.stageLen]); err != nil {
			return nil, 0, err
		}
		u.stageLen = 0
	}
	if size < uploadStage {
		if u.stageLen == 0 {
			u.stageBase = base
		} else {
			u.stageLen += delta
		}
		copy(u.stage[u.stageLen:], data)
		u.stageLen += size
	} else if err := u.bo.SubData(uint64(base), data); err != nil {
		return nil, 0, err
	}
	u.offset = base + size
	return u.bo.Reference(), base, nil
}

func (u *Upload) wrap(size uint32) error {
	if err := u.Finish(); err != nil {
		return err
	}
	bo, err := u.mgr.Alloc("upload", uint64(max(size, uploadSize)), 0)
	if err != nil {
		return err
	}
	u.bo = bo
	u.offset = 0
	return nil
}

// Finish writes staged data and drops the current upload BO.
func (u *Upload) Finish() error {
	if u.bo == nil {
		return nil
	}
	var err error
	if u.stageLen > 0 {
		err = u.bo.SubData(uint64(u.stageBase), u.stage[:u.stageLen])
		u.stageLen = 0
	}
	u.bo.Unreference()
	u.bo = nil
	return err
}
