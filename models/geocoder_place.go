package models

import "gorm.io/datatypes"

// GeocoderPlace 离线地理编码索引中的地点
type GeocoderPlace struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	AreaID      string         `gorm:"column:area_id;size:64;index" json:"areaId"`
	Name        string         `gorm:"column:name;index" json:"name"`
	HouseNumber string         `gorm:"column:house_number" json:"houseNumber,omitempty"`
	Street      string         `gorm:"column:street" json:"street,omitempty"`
	Lat         float64        `gorm:"column:lat" json:"lat"`
	Lng         float64        `gorm:"column:lng" json:"lng"`
	CellToken   string         `gorm:"column:cell_token;size:32" json:"cellToken"`           // S2 叶子单元
	ParentToken string         `gorm:"column:parent_token;size:32;index" json:"parentToken"` // 检索用父单元
	Tags        datatypes.JSON `gorm:"column:tags" json:"tags"`
}

func (GeocoderPlace) TableName() string {
	return "geocoder_places"
}
