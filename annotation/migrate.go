package annotation

import (
	log "github.com/sirupsen/logrus"
)

// MigrateLegacy fills the annotationType of records written before custom markers
// existed. Records without one are regular keypoints. The input is not modified.
// Running it on its own output migrates nothing.
func MigrateLegacy(imageID string, in []Record) ([]Record, int) {
	out := make([]Record, len(in))
	migrated := 0
	for i, r := range in {
		if r.AnnotationType == "" {
			if r.CustomTypeID != "" {
				r.AnnotationType = TypeCustom
			} else {
				r.AnnotationType = TypeRegular
			}
			migrated++
		}
		out[i] = r
	}
	if migrated > 0 {
		log.WithFields(log.Fields{
			"image_id": imageID,
			"migrated": migrated,
		}).Warn("Legacy annotations without annotationType migrated at load time")
	}
	return out, migrated
}
