package models

// DocumentVerificationRequest carries the files another terminal read from a
// document, hex encoded. DataGroups is keyed by "DG1", "DG2", ... and may hold
// "EF_COM" and "EF_CVCA" too.
type DocumentVerificationRequest struct {
	SessionId  string            `json:"session_id"`
	Nonce      string            `json:"nonce"`
	DataGroups map[string]string `json:"data_groups"`
	EFSOD      string            `json:"EF_SOD"`
	// SelfieImage is an optional base64 image compared against the face in DG2.
	SelfieImage string `json:"selfie_image,omitempty"`
}

// Files merges the data groups and EF.SOD into one map of file name to hex.
func (r DocumentVerificationRequest) Files() map[string]string {
	files := make(map[string]string, len(r.DataGroups)+1)
	for name, hexData := range r.DataGroups {
		files[name] = hexData
	}
	if r.EFSOD != "" {
		files["EF_SOD"] = r.EFSOD
	}
	return files
}
