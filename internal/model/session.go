package model

// Session is an explicit handle of the engine session a run works in.
// Nothing about the session is kept in a global state, so several
// pipelines can run against different sessions at once.
type Session struct {
	Name        string // engine data source, e.g. path to a GRASS mapset
	Direction   string // flow direction raster used for delineation
	StatRaster  string // raster summarized over each basin
	OutputDir   string // directory for result documents
	LabelPrefix string // prefix of every raster created by the run
}

// Label returns the name of the basin raster of uid
func (s Session) Label(uid string) string {
	return s.LabelPrefix + uid
}

// Pattern matches every raster created by a session
func (s Session) Pattern() string {
	return s.LabelPrefix + "*"
}
