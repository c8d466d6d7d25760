package domain

// FilePair is one target image ready for submission: the uploaded image and
// the prompt read from its sibling description file.
type FilePair struct {
	Name        string
	ImagePath   string
	ImageKey    string
	ImageURL    string
	Description string
}

// Asset is an object that has been uploaded and presigned.
type Asset struct {
	Key string
	URL string
}
