package models

// Tile MBTiles 瓦片表，tile_row 为 TMS 行号
type Tile struct {
	ZoomLevel  int    `gorm:"column:zoom_level;uniqueIndex:tile_index,priority:1"`
	TileColumn int    `gorm:"column:tile_column;uniqueIndex:tile_index,priority:2"`
	TileRow    int    `gorm:"column:tile_row;uniqueIndex:tile_index,priority:3"`
	TileData   []byte `gorm:"column:tile_data"`
	AreaID     string `gorm:"column:area_id;uniqueIndex:tile_index,priority:4;index"`
}

func (Tile) TableName() string {
	return "tiles"
}

// Metadata MBTiles 元数据表
type Metadata struct {
	Name  string `gorm:"column:name;primaryKey"`
	Value string `gorm:"column:value"`
}

func (Metadata) TableName() string {
	return "metadata"
}

// DefaultMBTilesMetadata 离线底图的元数据
func DefaultMBTilesMetadata() []Metadata {
	return []Metadata{
		{Name: "name", Value: "Offline Areas"},
		{Name: "type", Value: "baselayer"},
		{Name: "version", Value: "1.0"},
		{Name: "description", Value: "Offline vector tiles for downloaded areas"},
		{Name: "format", Value: "pbf"},
		{Name: "minzoom", Value: "0"},
		{Name: "maxzoom", Value: "14"},
		{Name: "scheme", Value: "tms"},
	}
}
