package convert

type workspace struct {
	jobID  string
	dir    string
	inDir  string
	outDir string
}
