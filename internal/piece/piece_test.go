package piece

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlocksForWholeBlocks(t *testing.T) {
	blocks := blocksFor(2 * BlockSize)
	assert.Len(t, blocks, 2)
	assert.Equal(t, Block{Index: 0, Begin: 0, Length: BlockSize}, blocks[0])
	assert.Equal(t, Block{Index: 1, Begin: BlockSize, Length: BlockSize}, blocks[1])
}

func TestBlocksForShortLastBlock(t *testing.T) {
	blocks := blocksFor(2*BlockSize + 42)
	assert.Len(t, blocks, 3)
	assert.Equal(t, Block{Index: 2, Begin: 2 * BlockSize, Length: 42}, blocks[2])
}

func TestBlockAt(t *testing.T) {
	p := Piece{Index: 1, Length: 2*BlockSize + 42, Blocks: blocksFor(2*BlockSize + 42)}

	assert.Nil(t, p.BlockAt(55))
	assert.Nil(t, p.BlockAt(3*BlockSize))

	b := p.BlockAt(0)
	assert.Equal(t, &Block{Index: 0, Begin: 0, Length: BlockSize}, b)

	b = p.BlockAt(2 * BlockSize)
	assert.Equal(t, &Block{Index: 2, Begin: 2 * BlockSize, Length: 42}, b)
}
